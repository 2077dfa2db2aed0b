package slack

// Text is a block kit text object.
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji"`
}

// Element is an interactive block element. Only buttons are used.
type Element struct {
	Type     string `json:"type"`
	ActionID string `json:"action_id,omitempty"`
	Text     Text   `json:"text"`
	Value    string `json:"value,omitempty"`
}

type Block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *Text     `json:"text,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Message is the body of chat.postMessage.
type Message struct {
	Channel string  `json:"channel"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// PostedMessage locates a message Slack accepted.
type PostedMessage struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

type Profile struct {
	DisplayName           string `json:"display_name"`
	DisplayNameNormalized string `json:"display_name_normalized"`
	RealName              string `json:"real_name"`
}

type Member struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Deleted bool    `json:"deleted"`
	Profile Profile `json:"profile"`
}

// Interaction is the block_actions payload Slack posts when a button is clicked.
type Interaction struct {
	Type        string    `json:"type"`
	User        User      `json:"user"`
	Container   Container `json:"container"`
	Channel     Channel   `json:"channel"`
	ResponseURL string    `json:"response_url"`
	Actions     []Action  `json:"actions"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

type Container struct {
	Type      string `json:"type"`
	MessageTS string `json:"message_ts"`
	ChannelID string `json:"channel_id"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Action struct {
	ActionID string `json:"action_id"`
	BlockID  string `json:"block_id"`
	Type     string `json:"type"`
	Text     Text   `json:"text"`
	Value    string `json:"value"`
	ActionTS string `json:"action_ts"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type usersListResponse struct {
	apiResponse
	Members          []Member `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type postMessageResponse struct {
	apiResponse
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

package validation

// Adjustment is the user's answer to an hours prompt.
type Adjustment struct {
	Hours *float64 `json:"hours" validate:"required,gte=0,lte=24"`
	Notes *string  `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// AdjustRequest is the JSON body for POST /auto-tracker/adjust-hours.
type AdjustRequest struct {
	PartitionKey string     `json:"partition_key" validate:"required,max=64"`
	SortKey      string     `json:"sort_key" validate:"required,sortkey"`
	Adjustment   Adjustment `json:"adjustment"`
}

package postgrest

import (
	"encoding/json"

	"github.com/supa-kit/supa-go/internal/errs"
)

type jsonValue = json.RawMessage

var rawNull = json.RawMessage("null")

func unmarshalRaw(data json.RawMessage, dst any) error {
	return json.Unmarshal(data, dst)
}

// pgrst116TooManyRows synthesizes the PGRST116 error maybeSingle raises
// when a GET unexpectedly returns more than one row.
func pgrst116TooManyRows() error {
	return &errs.ApiError{Base: errs.Base{
		Message: "JSON object requested, multiple (or no) rows returned",
		Status:  406,
		Code:    "PGRST116",
	}}
}

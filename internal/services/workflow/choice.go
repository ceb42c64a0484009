package workflow

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ChoiceRule is one rule of a Choice state: either a comparison on a
// variable path or a logical combinator over sub-rules. Next is set only on
// top-level rules.
type ChoiceRule struct {
	Variable string `json:"Variable"`
	Next     string `json:"Next"`

	And []*ChoiceRule `json:"And"`
	Or  []*ChoiceRule `json:"Or"`
	Not *ChoiceRule   `json:"Not"`

	StringEquals            *string `json:"StringEquals"`
	StringLessThan          *string `json:"StringLessThan"`
	StringGreaterThan       *string `json:"StringGreaterThan"`
	StringLessThanEquals    *string `json:"StringLessThanEquals"`
	StringGreaterThanEquals *string `json:"StringGreaterThanEquals"`

	NumericEquals            *float64 `json:"NumericEquals"`
	NumericLessThan          *float64 `json:"NumericLessThan"`
	NumericGreaterThan       *float64 `json:"NumericGreaterThan"`
	NumericLessThanEquals    *float64 `json:"NumericLessThanEquals"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals"`

	BooleanEquals *bool `json:"BooleanEquals"`

	TimestampEquals            *string `json:"TimestampEquals"`
	TimestampLessThan          *string `json:"TimestampLessThan"`
	TimestampGreaterThan       *string `json:"TimestampGreaterThan"`
	TimestampLessThanEquals    *string `json:"TimestampLessThanEquals"`
	TimestampGreaterThanEquals *string `json:"TimestampGreaterThanEquals"`

	IsString  *bool `json:"IsString"`
	IsNumeric *bool `json:"IsNumeric"`
	IsBoolean *bool `json:"IsBoolean"`
	IsNull    *bool `json:"IsNull"`
	IsPresent *bool `json:"IsPresent"`
}

// Evaluate applies the rule to a document. A comparison whose variable is
// absent from the document is false, except IsPresent which inverts its
// expectation.
func (r *ChoiceRule) Evaluate(doc json.RawMessage) bool {
	switch {
	case len(r.And) > 0:
		for _, sub := range r.And {
			if !sub.Evaluate(doc) {
				return false
			}
		}
		return true
	case len(r.Or) > 0:
		for _, sub := range r.Or {
			if sub.Evaluate(doc) {
				return true
			}
		}
		return false
	case r.Not != nil:
		return !r.Not.Evaluate(doc)
	}

	value := gjson.GetBytes(doc, toDotPath(r.Variable))
	if r.IsPresent != nil {
		return value.Exists() == *r.IsPresent
	}
	if !value.Exists() {
		return false
	}
	return r.compare(value)
}

func (r *ChoiceRule) compare(value gjson.Result) bool {
	isString := value.Type == gjson.String
	isNumber := value.Type == gjson.Number
	isBool := value.Type == gjson.True || value.Type == gjson.False

	switch {
	case r.IsString != nil:
		return isString == *r.IsString
	case r.IsNumeric != nil:
		return isNumber == *r.IsNumeric
	case r.IsBoolean != nil:
		return isBool == *r.IsBoolean
	case r.IsNull != nil:
		return (value.Type == gjson.Null) == *r.IsNull

	case r.StringEquals != nil:
		return isString && value.Str == *r.StringEquals
	case r.StringLessThan != nil:
		return isString && value.Str < *r.StringLessThan
	case r.StringGreaterThan != nil:
		return isString && value.Str > *r.StringGreaterThan
	case r.StringLessThanEquals != nil:
		return isString && value.Str <= *r.StringLessThanEquals
	case r.StringGreaterThanEquals != nil:
		return isString && value.Str >= *r.StringGreaterThanEquals

	case r.NumericEquals != nil:
		return isNumber && value.Num == *r.NumericEquals
	case r.NumericLessThan != nil:
		return isNumber && value.Num < *r.NumericLessThan
	case r.NumericGreaterThan != nil:
		return isNumber && value.Num > *r.NumericGreaterThan
	case r.NumericLessThanEquals != nil:
		return isNumber && value.Num <= *r.NumericLessThanEquals
	case r.NumericGreaterThanEquals != nil:
		return isNumber && value.Num >= *r.NumericGreaterThanEquals

	case r.BooleanEquals != nil:
		return isBool && value.Bool() == *r.BooleanEquals

	// ISO-8601 timestamps order lexically, so string comparison suffices.
	case r.TimestampEquals != nil:
		return isString && value.Str == *r.TimestampEquals
	case r.TimestampLessThan != nil:
		return isString && value.Str < *r.TimestampLessThan
	case r.TimestampGreaterThan != nil:
		return isString && value.Str > *r.TimestampGreaterThan
	case r.TimestampLessThanEquals != nil:
		return isString && value.Str <= *r.TimestampLessThanEquals
	case r.TimestampGreaterThanEquals != nil:
		return isString && value.Str >= *r.TimestampGreaterThanEquals
	}
	return false
}

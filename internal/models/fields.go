package models

import (
	"fmt"
	"strings"
)

// Fields is the structured record parsed from the extraction stage output.
// Empty strings and a nil Age mean the detail was not found in the query.
type Fields struct {
	Age            *int   `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Procedure      string `json:"procedure,omitempty"`
	Location       string `json:"location,omitempty"`
	PolicyDuration string `json:"policy_duration,omitempty"`
}

// Empty reports whether no field was recognised.
func (f Fields) Empty() bool {
	return f.Age == nil && f.Gender == "" && f.Procedure == "" && f.Location == "" && f.PolicyDuration == ""
}

func (f Fields) String() string {
	var b strings.Builder
	age := ""
	if f.Age != nil {
		age = fmt.Sprintf("%d", *f.Age)
	}
	for _, kv := range [][2]string{
		{"Age", age},
		{"Gender", f.Gender},
		{"Procedure", f.Procedure},
		{"Location", f.Location},
		{"Policy Duration", f.PolicyDuration},
	} {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

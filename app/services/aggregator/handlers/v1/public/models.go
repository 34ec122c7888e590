package public

import (
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
)

type addResult struct {
	Failures []txdata.Failure `json:"failures"`
}

type counts struct {
	Ready  int `json:"ready"`
	Future int `json:"future"`
}

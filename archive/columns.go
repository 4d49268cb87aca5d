package archive

import (
	"strings"
	"time"

	"github.com/bobg/circuit"
)

func joinIDs(s circuit.NodeIDSet) string {
	return strings.Join(s.Strings(), " ")
}

func splitIDs(s string) circuit.NodeIDSet {
	var ids []circuit.NodeID
	for _, f := range strings.Fields(s) {
		ids = append(ids, circuit.NodeID(f))
	}
	return circuit.NewNodeIDSet(ids...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

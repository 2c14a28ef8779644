package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pyde1/pyde1-go/internal/apperr"
	"github.com/pyde1/pyde1-go/internal/store"
)

// Export renders a single sequence into the tab-and-whitespace format
// legacy plotting tools expect. It is a side function,
// not wired into the hot capture path.
func Export(st *store.Store, sequenceID string) (string, error) {
	seq, err := st.GetSequence(sequenceID)
	if err != nil {
		return "", err
	}
	if seq.EndSequence == nil {
		return "", &apperr.IncompleteSequenceRecord{SequenceID: sequenceID}
	}

	events, err := st.EventsForSequence(sequenceID)
	if err != nil {
		return "", err
	}

	rows := events["shot_sample"]
	if len(rows) == 0 {
		return "", fmt.Errorf("recorder: no shot_sample rows for sequence %s", sequenceID)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EventTime.Before(rows[j].EventTime) })

	var buf bytes.Buffer
	buf.WriteString(strings.Join([]string{
		"time", "group_pressure", "group_flow", "mix_temp", "head_temp", "volume_pour",
	}, "\t"))
	buf.WriteByte('\n')

	start := rows[0].EventTime
	for _, row := range rows {
		var sample struct {
			SampleTime    float64 `json:"sample_time"`
			GroupPressure float64 `json:"group_pressure"`
			GroupFlow     float64 `json:"group_flow"`
			MixTemp       float64 `json:"mix_temp"`
			HeadTemp      float64 `json:"head_temp"`
			VolumePour    float64 `json:"volume_pour"`
		}
		if err := json.Unmarshal(row.Data, &sample); err != nil {
			return "", fmt.Errorf("decode shot_sample row: %w", err)
		}
		elapsed := row.EventTime.Sub(start).Seconds()
		fmt.Fprintf(&buf, "%.3f\t%.3f\t%.3f\t%.2f\t%.2f\t%.3f\n",
			elapsed, sample.GroupPressure, sample.GroupFlow, sample.MixTemp, sample.HeadTemp, sample.VolumePour)
	}
	return buf.String(), nil
}

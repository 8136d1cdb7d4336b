package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalRunJSON(r *model.Run, searchJSON, insightsJSON []byte) error {
	if err := json.Unmarshal(searchJSON, &r.Search); err != nil {
		return eris.Wrap(err, "unmarshal search")
	}
	if len(insightsJSON) > 0 && string(insightsJSON) != "null" {
		r.Insights = &model.Insights{}
		if err := json.Unmarshal(insightsJSON, r.Insights); err != nil {
			return eris.Wrap(err, "unmarshal insights")
		}
	}
	return nil
}

// encodeVector and decodeVector store embeddings as JSON text in SQLite.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeVector(s *string) ([]float32, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, eris.Wrap(err, "decode vector")
	}
	return v, nil
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, eris.Wrap(err, "decode list")
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

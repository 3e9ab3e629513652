package runtime

import (
	"encoding/json"
	"io"
)

// dockerPullEvent is one line of the newline-delimited JSON stream the
// Docker engine emits during an image pull.
type dockerPullEvent struct {
	Status   string `json:"status"`
	Progress string `json:"progress,omitempty"`
	Detail   *struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail,omitempty"`
}

// pullProgressDecoder turns the raw event stream into (status, pct)
// pairs, mirroring the progress-callback shape used throughout this
// codebase for any long-running fetch.
type pullProgressDecoder struct {
	dec *json.Decoder
}

func newPullProgressDecoder(r io.Reader) *pullProgressDecoder {
	return &pullProgressDecoder{dec: json.NewDecoder(r)}
}

// Next decodes one event. done reports end of stream.
func (p *pullProgressDecoder) Next() (status string, pct float64, done bool, err error) {
	var ev dockerPullEvent
	if err := p.dec.Decode(&ev); err != nil {
		if err == io.EOF {
			return "", 0, true, io.EOF
		}
		return "", 0, false, err
	}
	if ev.Detail != nil && ev.Detail.Total > 0 {
		pct = float64(ev.Detail.Current) / float64(ev.Detail.Total) * 100
	}
	return ev.Status, pct, false, nil
}

package classifier

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	ts := time.Unix(100, 0)
	tests := []struct {
		name   string
		origin model.Origin
		writer string
		want   model.Origin
	}{
		{"own local write", model.OriginLocal, "tab-a", model.OriginLocal},
		{"local write of another context", model.OriginLocal, "tab-b", model.OriginCrossTab},
		{"local write without writer", model.OriginLocal, "", model.OriginCrossTab},
		{"cross tab", model.OriginCrossTab, "tab-b", model.OriginCrossTab},
		{"cross tab claiming to be us", model.OriginCrossTab, "tab-a", model.OriginCrossTab},
		{"remote pull", model.OriginRemotePull, "remote", model.OriginRemotePull},
		{"untagged fails closed", model.OriginUnset, "tab-a", model.OriginRemotePull},
		{"unknown tag fails closed", model.Origin(42), "tab-a", model.OriginRemotePull},
	}

	c := New("tab-a")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(model.RawEvent{
				DocumentID: "task-7",
				Class:      model.ClassTask,
				Revision:   "1-abc",
				Origin:     tt.origin,
				WriterID:   tt.writer,
				Seq:        9,
				Timestamp:  ts,
			})
			assert.Equal(t, tt.want, ev.Origin)
			assert.Equal(t, "task-7", ev.DocumentID)
			assert.Equal(t, model.ClassTask, ev.Class)
			assert.Equal(t, "1-abc", ev.Revision)
			assert.Equal(t, ts, ev.Timestamp)
		})
	}
}

package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	sink.Record(Diagnostic{
		Level:    zerolog.WarnLevel,
		Event:    EventUnmatchedResponse,
		Endpoint: "client-a",
		Err:      errors.New("late"),
		Fields:   map[string]string{"request_id": "7"},
	})
	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"event":"unmatched_response"`, `"endpoint":"client-a"`, `"request_id":"7"`, `"error":"late"`} {
		require.Contains(t, out, want)
	}
}

func TestRecorderWaitAndMultiSink(t *testing.T) {
	testlog.Start(t)
	a, b := NewRecorder(), NewRecorder()
	emit := Emitter{Endpoint: "srv", Sink: MultiSink{a, nil, b}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		emit.Info(EventConnect, "", nil)
	}()
	d, ok := a.Wait(EventConnect, time.Second)
	require.True(t, ok)
	require.Equal(t, "srv", d.Endpoint)
	require.Equal(t, zerolog.InfoLevel, d.Level)

	_, ok = b.Wait(EventConnect, time.Second)
	require.True(t, ok)

	_, ok = a.Wait(EventWrongClient, 20*time.Millisecond)
	require.False(t, ok)
	require.Len(t, a.Records(), 1)
}

func TestComponentLoggerTagsFields(t *testing.T) {
	testlog.Start(t)
	logger := ComponentLogger("engine", "cli-1").Output(&bytes.Buffer{})
	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("engine.test")
	require.True(t, strings.Contains(buf.String(), `"component":"engine"`))
	require.True(t, strings.Contains(buf.String(), `"endpoint":"cli-1"`))
}

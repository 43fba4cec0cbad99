package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/ezratameno/camupdate/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status session.Status
	stats  session.Stats
}

func (f *fakeSource) Status() session.Status {
	return f.status
}

func (f *fakeSource) Stats() *session.Stats {
	return &f.stats
}

func TestCollector(t *testing.T) {
	src := &fakeSource{
		status: session.Status{
			Code:  session.StatusNeedsUpdate,
			Bytes: 400,
			Total: 1000,
		},
	}
	c := NewCollector(src)

	// One series per status code and per discard reason plus five
	// scalars.
	want := 5 + len(session.DiscardReasons()) + 5
	require.Equal(t, want, testutil.CollectAndCount(c))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, label := range m.GetLabel() {
				name += "/" + label.GetValue()
			}

			switch {
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			}
		}
	}

	require.EqualValues(t, 1, values["camupdate_status/NEEDS_UPDATE"])
	require.EqualValues(t, 0, values["camupdate_status/UP_TO_DATE"])
	require.EqualValues(t, 400, values["camupdate_update_bytes_received"])
	require.EqualValues(t, 1000, values["camupdate_update_bytes_total"])
	require.Contains(t, values,
		"camupdate_datagrams_discarded_total/token_mismatch")
	require.Contains(t, values, "camupdate_pieces_accepted_total")
}

func TestServeStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() {
		errChan <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry())
	}()

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}

	err := Serve(context.Background(), "256.0.0.1:1", prometheus.NewRegistry())
	require.Error(t, err)
}

// Package metrics exports the update client's status and traffic counters
// to prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ezratameno/camupdate/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camupdate"

// Source is what the collector reads from. client.Client satisfies it, and
// both methods must be safe to call from the scrape goroutine.
type Source interface {
	Status() session.Status
	Stats() *session.Stats
}

// Collector turns a Source into metrics on every scrape.
type Collector struct {
	src Source

	statusDesc    *prometheus.Desc
	bytesDesc     *prometheus.Desc
	totalDesc     *prometheus.Desc
	discardedDesc *prometheus.Desc
	acceptedDesc  *prometheus.Desc
	requestsDesc  *prometheus.Desc
	sendErrDesc   *prometheus.Desc
}

// A compile time check to ensure Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		statusDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "status"),
			"Current update status, 1 for the active code.",
			[]string{"code"}, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "update", "bytes_received"),
			"Payload bytes received in the current session.",
			nil, nil,
		),
		totalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "update", "bytes_total"),
			"Announced payload size of the current session.",
			nil, nil,
		),
		discardedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "datagrams_discarded_total"),
			"Inbound datagrams dropped without a state change.",
			[]string{"reason"}, nil,
		),
		acceptedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pieces_accepted_total"),
			"Pieces written into a payload.",
			nil, nil,
		),
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "piece_requests_total"),
			"Piece requests sent.",
			nil, nil,
		),
		sendErrDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "send_errors_total"),
			"Datagrams the channel failed to send.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.statusDesc
	ch <- c.bytesDesc
	ch <- c.totalDesc
	ch <- c.discardedDesc
	ch <- c.acceptedDesc
	ch <- c.requestsDesc
	ch <- c.sendErrDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.src.Status()
	stats := c.src.Stats()

	codes := []session.StatusCode{
		session.StatusNone, session.StatusUpToDate,
		session.StatusNeedsUpdate, session.StatusBadSig,
		session.StatusBadWrite,
	}
	for _, code := range codes {
		var v float64
		if code == status.Code {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(
			c.statusDesc, prometheus.GaugeValue, v, code.String(),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.bytesDesc, prometheus.GaugeValue, float64(status.Bytes),
	)
	ch <- prometheus.MustNewConstMetric(
		c.totalDesc, prometheus.GaugeValue, float64(status.Total),
	)

	for _, reason := range session.DiscardReasons() {
		ch <- prometheus.MustNewConstMetric(
			c.discardedDesc, prometheus.CounterValue,
			float64(stats.Discarded(reason)), reason.String(),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.acceptedDesc, prometheus.CounterValue,
		float64(stats.PiecesAccepted()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.requestsDesc, prometheus.CounterValue,
		float64(stats.PieceRequests()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.sendErrDesc, prometheus.CounterValue,
		float64(stats.SendErrors()),
	)
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("Prometheus exporter started on %v/metrics", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	}
}

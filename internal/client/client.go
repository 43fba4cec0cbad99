// Package client runs the cooperative polling loop that drives an update
// session: drain the channel, advance the session, install what it wrote.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ezratameno/camupdate/internal/session"
	"github.com/ezratameno/camupdate/internal/transport"
	"github.com/ezratameno/camupdate/internal/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPollInterval is how long the loop yields between iterations.
const DefaultPollInterval = 10 * time.Millisecond

// Extractor unpacks a written update into the install directory.
type Extractor interface {
	Extract(archivePath, dest string) error
}

// Config holds the collaborators of a Client.
type Config struct {
	Session *session.Session
	Channel transport.Channel

	// Clock feeds the session timers.
	Clock clock.Clock

	// Ticker paces the loop. Every tick runs one iteration.
	Ticker ticker.Ticker

	Extractor Extractor

	// StagingPath is the archive the session writes.
	StagingPath string

	// InstallDir is where the archive is extracted to.
	InstallDir string
}

// Client owns a session and the goroutine that drives it. Only Status and
// Stats may be called from other goroutines.
type Client struct {
	cfg *Config
	buf []byte

	// published is the status as of the end of the last iteration.
	published atomic.Pointer[session.Status]

	// last is the status reported by the previous iteration, used to log
	// transitions once.
	last session.Status
}

// New creates a client. Run starts it.
func New(cfg *Config) (*Client, error) {
	switch {
	case cfg.Session == nil:
		return nil, errors.New("session required")
	case cfg.Channel == nil:
		return nil, errors.New("channel required")
	case cfg.Ticker == nil:
		return nil, errors.New("ticker required")
	case cfg.Extractor == nil:
		return nil, errors.New("extractor required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	c := &Client{
		cfg: cfg,
		buf: make([]byte, wire.MaxDatagramSize),
	}
	c.publish()

	return c, nil
}

// Run asks the server for its version and then polls until ctx is done or
// the channel is closed.
func (c *Client) Run(ctx context.Context) error {
	if err := c.cfg.Session.RequestVersion(); err != nil {
		return err
	}

	c.cfg.Ticker.Resume()
	defer c.cfg.Ticker.Stop()

	for {
		if err := c.iterate(); err != nil {
			return err
		}

		select {
		case <-c.cfg.Ticker.Ticks():
		case <-ctx.Done():
			log.Infof("Update client shutting down")
			return nil
		}
	}
}

// Status returns the last published session status.
func (c *Client) Status() session.Status {
	return *c.published.Load()
}

// Stats returns the session counters.
func (c *Client) Stats() *session.Stats {
	return c.cfg.Session.Stats()
}

// iterate runs one pass of the loop: drain, tick, install, report.
func (c *Client) iterate() error {
	if err := c.drain(); err != nil {
		return err
	}

	c.cfg.Session.Tick(c.cfg.Clock.Now())

	if c.cfg.Session.InstallPending() {
		c.install()
	}

	c.report()
	c.publish()

	return nil
}

// drain feeds every waiting datagram to the session. Truncated datagrams are
// dropped. Receive errors other than a closed channel are transient.
func (c *Client) drain() error {
	for {
		n, from, err := c.cfg.Channel.Receive(c.buf)
		switch {
		case errors.Is(err, transport.ErrNoData):
			return nil

		case errors.Is(err, net.ErrClosed):
			return fmt.Errorf("channel closed: %w", err)

		case errors.Is(err, transport.ErrTruncated):
			c.cfg.Session.DropTruncated(from)
			continue

		case err != nil:
			log.Debugf("Error receiving datagram: %v", err)
			return nil
		}

		c.cfg.Session.SubmitDatagram(c.buf[:n], from)
	}
}

func (c *Client) install() {
	log.Infof("Extracting %v to %v", c.cfg.StagingPath, c.cfg.InstallDir)

	err := c.cfg.Extractor.Extract(c.cfg.StagingPath, c.cfg.InstallDir)
	if err != nil {
		log.Errorf("Unable to extract update: %v", err)
		c.cfg.Session.AcknowledgeInstall(false)
		return
	}

	c.cfg.Session.AcknowledgeInstall(true)
	log.Infof("Update installed, local version is now %d",
		c.cfg.Session.LocalVersion())
}

// report logs status transitions and download progress once each.
func (c *Client) report() {
	st := c.cfg.Session.Status()
	defer func() { c.last = st }()

	if st.Code != c.last.Code {
		switch st.Code {
		case session.StatusBadSig:
			log.Errorf("Update rejected: bad signature")
		case session.StatusBadWrite:
			log.Errorf("Update rejected: unable to write payload")
		default:
			log.Debugf("Status %v -> %v", c.last.Code, st.Code)
		}
	}

	if st.Total == 0 || st.Bytes == c.last.Bytes {
		return
	}

	pct := uint64(st.Bytes) * 100 / uint64(st.Total)
	lastPct := uint64(c.last.Bytes) * 100 / uint64(st.Total)
	if pct/10 != lastPct/10 || st.Bytes == st.Total {
		log.Infof("Downloaded %d/%d bytes (%d%%)", st.Bytes, st.Total,
			pct)
	}
}

func (c *Client) publish() {
	st := c.cfg.Session.Status()
	c.published.Store(&st)
}

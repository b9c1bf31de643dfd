// Package broker owns the NATS connection shared by publishers and
// workers. The connection is a lazy singleton established under a
// mutex; reconnection is delegated to the nats client.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/logger"
)

type Conn struct {
	cfg *config.Config
	log zerolog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

func New(cfg *config.Config) *Conn {
	return &Conn{
		cfg: cfg,
		log: logger.Component("broker"),
	}
}

// Get returns the shared connection and JetStream context, dialing on
// first use. Safe for concurrent use.
func (c *Conn) Get() (*nats.Conn, nats.JetStreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil && !c.nc.IsClosed() {
		return c.nc, c.js, nil
	}

	nc, err := nats.Connect(c.servers(), c.options()...)
	if err != nil {
		return nil, nil, fmt.Errorf("broker: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("broker: jetstream: %w", err)
	}

	c.nc = nc
	c.js = js
	c.log.Info().Strs("urls", c.cfg.NATSURLs).Msg("connected")
	return c.nc, c.js, nil
}

// servers joins every configured URL; the client fails over across
// them.
func (c *Conn) servers() string {
	return strings.Join(c.cfg.NATSURLs, ",")
}

func (c *Conn) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.AppName),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	}
	if len(c.cfg.NATSURLs) > 1 {
		opts = append(opts, nats.DontRandomize())
	}

	// Auth priority: token, user/password, nkey seed, credentials.
	switch {
	case c.cfg.AuthToken != "":
		opts = append(opts, nats.Token(c.cfg.AuthToken))
	case c.cfg.AuthUser != "":
		opts = append(opts, nats.UserInfo(c.cfg.AuthUser, c.cfg.AuthPassword))
	case c.cfg.NKeysSeedFile != "":
		if opt, err := nats.NkeyOptionFromSeed(c.cfg.NKeysSeedFile); err == nil {
			opts = append(opts, opt)
		} else {
			c.log.Error().Err(err).Msg("bad nkey seed file, connecting without it")
		}
	case c.cfg.UserCredentials != "":
		opts = append(opts, nats.UserCredentials(c.cfg.UserCredentials))
	}

	if c.cfg.TLSCAFile != "" {
		opts = append(opts, nats.RootCAs(c.cfg.TLSCAFile))
	}
	if c.cfg.TLSCertFile != "" {
		opts = append(opts, nats.ClientCert(c.cfg.TLSCertFile, c.cfg.TLSKeyFile))
	}
	return opts
}

// Publish emits payload on subject with the broker dedup header set to
// eventID, and waits for the stream ack. A duplicate ack is success.
func (c *Conn) Publish(ctx context.Context, subj string, payload []byte, eventID string, header nats.Header) error {
	_, js, err := c.Get()
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subj,
		Data:    payload,
		Header:  nats.Header{},
	}
	for k, vs := range header {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	msg.Header.Set(nats.MsgIdHdr, eventID)

	ack, err := js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return err
	}
	if ack.Duplicate {
		c.log.Debug().Str("event_id", eventID).Str("subject", subj).Msg("broker reported duplicate, treating as sent")
	}
	return nil
}

// IsConnected reports connection state without dialing.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}

// JetStreamAvailable probes the JetStream API.
func (c *Conn) JetStreamAvailable() bool {
	c.mu.Lock()
	js := c.js
	c.mu.Unlock()
	if js == nil {
		return false
	}
	_, err := js.AccountInfo()
	return err == nil
}

// Close drains the connection so in-flight publishes and deliveries
// are flushed before teardown.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
	c.nc = nil
	c.js = nil
}

package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"logarchive/pkg/identity"
	"logarchive/pkg/protocol"
	gos3 "logarchive/pkg/s3"
	"logarchive/services/agent/internal/archive"
)

// resources are the process-wide clients installed by a storage message.
type resources struct {
	store     *gos3.Client
	pipeline  *archive.Pipeline
	identity  *identity.Client
	transport *http.Transport
	user      string
}

func proxyFunc(httpProxy, httpsProxy string) (func(*http.Request) (*url.URL, error), error) {
	var plain, secure *url.URL
	var err error
	if httpProxy != "" {
		if plain, err = url.Parse(httpProxy); err != nil {
			return nil, fmt.Errorf("parse http_proxy: %w", err)
		}
	}
	if httpsProxy != "" {
		if secure, err = url.Parse(httpsProxy); err != nil {
			return nil, fmt.Errorf("parse https_proxy: %w", err)
		}
	}
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return secure, nil
		}
		return plain, nil
	}, nil
}

func newResources(ctx context.Context, msg protocol.Storage, logger *log.Logger) (*resources, error) {
	proxy, err := proxyFunc(msg.HTTPProxy, msg.HTTPSProxy)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	sc := msg.Config
	store, err := gos3.New(ctx, gos3.Config{
		Endpoint:       sc.Endpoint,
		Region:         sc.Region,
		Bucket:         sc.Bucket,
		AccessKey:      sc.AccessKey,
		SecretKey:      sc.SecretKey,
		DisableTLS:     sc.DisableTLS,
		ForcePathStyle: sc.ForcePathStyle,
	}, &http.Client{Transport: transport})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("object store: %w", err)
	}
	pipeline, err := archive.New(store, logger)
	if err != nil {
		store.Close()
		transport.CloseIdleConnections()
		return nil, err
	}

	r := &resources{store: store, pipeline: pipeline, transport: transport, user: sc.User}
	if msg.Identity.URL != "" {
		r.identity, err = identity.New(msg.Identity.URL, transport)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("identity: %w", err)
		}
	}
	return r, nil
}

// Close releases idle connections. Requests already in flight finish on
// their own.
func (r *resources) Close() {
	if r == nil {
		return
	}
	if r.identity != nil {
		r.identity.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.transport != nil {
		r.transport.CloseIdleConnections()
	}
}

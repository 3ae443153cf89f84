package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/metrics"
)

const (
	tokenHeader      = "x-token"
	accountsFilterID = "memo_accounts"
	eventBufferSize  = 1024
)

// GeyserConfig configures a Yellowstone gRPC subscription
type GeyserConfig struct {
	Endpoint  string
	Token     string
	ProgramID string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// DialOptions are appended to the defaults. Tests use this to inject a
	// bufconn dialer.
	DialOptions []grpc.DialOption
}

// GeyserSource streams account updates for one program owner over the
// Yellowstone Geyser Subscribe RPC.
type GeyserSource struct {
	cfg    GeyserConfig
	logger *logging.ComponentLogger

	conn   *grpc.ClientConn
	client pb.GeyserClient

	events   chan Event
	lastSlot atomic.Uint64
	resume   atomic.Bool

	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewGeyserSource creates an unconnected source
func NewGeyserSource(cfg GeyserConfig, logger *logging.ComponentLogger) *GeyserSource {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &GeyserSource{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint and opens the first subscription. Later
// failures are handled by resubscribing from LastSlot.
func (g *GeyserSource) Connect(ctx context.Context, fromSlot *uint64) error {
	target, creds, err := dialTarget(g.cfg.Endpoint)
	if err != nil {
		return err
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64 << 20)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, g.cfg.DialOptions...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create stream client: %w", err)
	}
	g.client = pb.NewGeyserClient(conn)

	if fromSlot != nil {
		g.lastSlot.Store(*fromSlot)
		g.resume.Store(true)
	}

	g.logger.Info().
		Str("endpoint", g.cfg.Endpoint).
		Str("program_id", g.cfg.ProgramID).
		Uint64("from_slot", g.lastSlot.Load()).
		Msg("Connecting to account stream")

	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := g.subscribe(ctx, runCtx)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	g.conn = conn
	g.cancel = cancel

	go g.run(runCtx, sub)
	return nil
}

// Events returns the event channel
func (g *GeyserSource) Events() <-chan Event {
	return g.events
}

// LastSlot returns the highest slot observed
func (g *GeyserSource) LastSlot() uint64 {
	return g.lastSlot.Load()
}

// Shutdown stops the receive loop and closes the connection. Safe to call
// more than once.
func (g *GeyserSource) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		if g.cancel == nil {
			close(g.events)
			return
		}
		g.cancel()
		select {
		case <-g.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := g.conn.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		g.logger.Info().Uint64("last_slot", g.LastSlot()).Msg("Account stream closed")
	})
	return err
}

// subscribe opens a Subscribe stream bound to runCtx, sends the filter and
// waits for the server to accept it. waitCtx only bounds the handshake.
func (g *GeyserSource) subscribe(waitCtx, runCtx context.Context) (pb.Geyser_SubscribeClient, error) {
	streamCtx := runCtx
	if g.cfg.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, tokenHeader, g.cfg.Token)
	}

	type result struct {
		sub pb.Geyser_SubscribeClient
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sub, err := g.client.Subscribe(streamCtx)
		if err == nil {
			err = handshake(sub, g.subscribeRequest())
		}
		ch <- result{sub, err}
	}()

	select {
	case r := <-ch:
		return r.sub, r.err
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

// handshake sends the filter and blocks until the server answers with
// response headers. A stream rejected before headers (bad token, bad filter)
// reports its status here instead of on the first Recv.
func handshake(sub pb.Geyser_SubscribeClient, req *pb.SubscribeRequest) error {
	// io.EOF from Send means the server already ended the stream; the status
	// surfaces through Recv below.
	if err := sub.Send(req); err != nil && err != io.EOF {
		return err
	}
	md, err := sub.Header()
	if err != nil {
		return err
	}
	if md == nil {
		if _, err := sub.Recv(); err != nil && err != io.EOF {
			return err
		}
		return errors.New("stream closed during handshake")
	}
	return nil
}

func (g *GeyserSource) subscribeRequest() *pb.SubscribeRequest {
	commitment := pb.CommitmentLevel_CONFIRMED
	req := &pb.SubscribeRequest{
		Accounts: map[string]*pb.SubscribeRequestFilterAccounts{
			accountsFilterID: {Owner: []string{g.cfg.ProgramID}},
		},
		Commitment: &commitment,
	}
	if g.resume.Load() {
		req.FromSlot = proto.Uint64(g.lastSlot.Load())
	}
	return req
}

func (g *GeyserSource) run(ctx context.Context, sub pb.Geyser_SubscribeClient) {
	defer close(g.done)
	defer close(g.events)

	for {
		err := g.receive(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		g.reportError(ctx, err)

		sub = g.resubscribe(ctx)
		if sub == nil {
			return
		}
	}
}

func (g *GeyserSource) receive(ctx context.Context, sub pb.Geyser_SubscribeClient) error {
	for {
		msg, err := sub.Recv()
		if err == io.EOF {
			return errors.New("stream closed by server")
		}
		if err != nil {
			return fmt.Errorf("stream receive failed: %w", err)
		}

		switch {
		case msg.GetAccount() != nil:
			g.handleAccount(ctx, msg.GetAccount())
		case msg.GetPing() != nil:
			if err := sub.Send(&pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: 1}}); err != nil {
				return fmt.Errorf("failed to answer ping: %w", err)
			}
		}
	}
}

func (g *GeyserSource) handleAccount(ctx context.Context, acc *pb.SubscribeUpdateAccount) {
	info := acc.GetAccount()
	if info == nil || len(info.GetPubkey()) != solana.PublicKeyLength || len(info.GetData()) == 0 {
		g.logger.Debug().Uint64("slot", acc.GetSlot()).Msg("Ignoring account update without key or data")
		return
	}

	slot := acc.GetSlot()
	g.advanceSlot(slot)
	metrics.RecordStreamUpdate(g.LastSlot())

	g.emit(ctx, Event{Update: &AccountUpdate{
		Slot:   slot,
		Key:    solana.PublicKeyFromBytes(info.GetPubkey()).String(),
		Data:   info.GetData(),
		Source: metrics.SourceStream,
	}})
}

func (g *GeyserSource) advanceSlot(slot uint64) {
	for {
		cur := g.lastSlot.Load()
		if slot <= cur || g.lastSlot.CompareAndSwap(cur, slot) {
			break
		}
	}
	g.resume.Store(true)
}

// resubscribe retries with exponential backoff until it succeeds or ctx ends.
// Every failed attempt is reported as an error event.
func (g *GeyserSource) resubscribe(ctx context.Context) pb.Geyser_SubscribeClient {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.ReconnectInitial
	eb.MaxInterval = g.cfg.ReconnectMax
	eb.MaxElapsedTime = 0

	var sub pb.Geyser_SubscribeClient
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		metrics.IncrementStreamReconnects()
		s, err := g.subscribe(ctx, ctx)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}, backoff.WithContext(eb, ctx), func(err error, delay time.Duration) {
		g.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Stream resubscribe failed")
		g.reportError(ctx, err)
	})
	if err != nil {
		return nil
	}

	g.logger.Info().
		Int("attempts", attempt).
		Uint64("from_slot", g.LastSlot()).
		Msg("Stream resubscribed")
	return sub
}

func (g *GeyserSource) reportError(ctx context.Context, err error) {
	metrics.IncrementStreamErrors()
	g.logger.Error().Err(err).Uint64("last_slot", g.LastSlot()).Msg("Stream error")
	g.emit(ctx, Event{Err: err})
}

func (g *GeyserSource) emit(ctx context.Context, ev Event) {
	select {
	case g.events <- ev:
	case <-ctx.Done():
	}
}

// dialTarget turns an http(s) endpoint URL into a gRPC target and matching
// transport credentials.
func dialTarget(endpoint string) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid stream endpoint: %w", err)
	}

	var creds credentials.TransportCredentials
	port := u.Port()
	switch u.Scheme {
	case "https":
		creds = credentials.NewClientTLSFromCert(nil, "")
		if port == "" {
			port = "443"
		}
	case "http":
		creds = insecure.NewCredentials()
		if port == "" {
			port = "80"
		}
	default:
		return "", nil, fmt.Errorf("invalid stream endpoint scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("stream endpoint %q has no host", endpoint)
	}

	return "passthrough:///" + net.JoinHostPort(u.Hostname(), port), creds, nil
}

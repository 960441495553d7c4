package xmesh

import (
	"context"
	"fmt"
	"io"

	"github.com/trickstertwo/xlog"
)

// NodeBuilder constructs Node instances (Builder pattern).
type NodeBuilder struct {
	config Config

	storeName string
	storeCfg  map[string]any
	storeInst Store
	noStore   bool

	transportName string
	transportCfg  map[string]any
	transportInst Transport
	local         bool

	codecName string
	codecInst Codec

	outbound    []Middleware
	handlerMW   []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       Clock
	poolWorkers int
	poolBuffer  int
}

// NewNodeBuilder returns a builder over Defaults().
func NewNodeBuilder() *NodeBuilder {
	return &NodeBuilder{
		config:    Defaults(),
		codecName: "json",
	}
}

// WithConfig replaces the node configuration. Store and transport are derived
// from it unless set explicitly.
func (nb *NodeBuilder) WithConfig(c Config) *NodeBuilder {
	nb.config = c
	return nb
}

// WithStore selects a registered store by name.
func (nb *NodeBuilder) WithStore(name string, cfg map[string]any) *NodeBuilder {
	nb.storeName = name
	nb.storeCfg = cfg
	return nb
}

// WithStoreInstance accepts a ready Store.
func (nb *NodeBuilder) WithStoreInstance(s Store) *NodeBuilder {
	nb.storeInst = s
	return nb
}

// WithoutStore keeps queue and history in memory only.
func (nb *NodeBuilder) WithoutStore() *NodeBuilder {
	nb.noStore = true
	return nb
}

// WithTransport selects a registered transport by name.
func (nb *NodeBuilder) WithTransport(name string, cfg map[string]any) *NodeBuilder {
	nb.transportName = name
	nb.transportCfg = cfg
	return nb
}

// WithTransportInstance accepts a ready Transport (e.g. from an adapter constructor).
func (nb *NodeBuilder) WithTransportInstance(t Transport) *NodeBuilder {
	nb.transportInst = t
	return nb
}

// Local builds a node without a transport: sent messages are fanned out to
// the node's own subscribers.
func (nb *NodeBuilder) Local() *NodeBuilder {
	nb.local = true
	return nb
}

func (nb *NodeBuilder) WithCodec(name string) *NodeBuilder {
	nb.codecName = name
	return nb
}

func (nb *NodeBuilder) WithCodecInstance(c Codec) *NodeBuilder {
	nb.codecInst = c
	return nb
}

// WithOutbound adds middlewares to the outgoing-processing step.
func (nb *NodeBuilder) WithOutbound(mw ...Middleware) *NodeBuilder {
	nb.outbound = append(nb.outbound, mw...)
	return nb
}

// WithHandlerMiddleware wraps every subscriber handler.
func (nb *NodeBuilder) WithHandlerMiddleware(mw ...Middleware) *NodeBuilder {
	nb.handlerMW = append(nb.handlerMW, mw...)
	return nb
}

func (nb *NodeBuilder) WithObserver(obs ...Observer) *NodeBuilder {
	for _, o := range obs {
		if o != nil {
			nb.observers = append(nb.observers, o)
		}
	}
	return nb
}

func (nb *NodeBuilder) WithLogger(l *xlog.Logger) *NodeBuilder {
	nb.logger = l
	return nb
}

func (nb *NodeBuilder) WithClock(c Clock) *NodeBuilder {
	nb.clock = c
	return nb
}

// WithObserverPool dispatches observer events on background workers.
func (nb *NodeBuilder) WithObserverPool(workers, bufferSize int) *NodeBuilder {
	nb.poolWorkers = workers
	nb.poolBuffer = bufferSize
	return nb
}

func (nb *NodeBuilder) Build() (*Node, error) {
	cfg := nb.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cd := nb.codecInst
	if cd == nil {
		var err error
		if cd, err = NewCodec(nb.codecName); err != nil {
			return nil, err
		}
	}
	clk := nb.clock
	if clk == nil {
		clk = defaultClock()
	}
	lg := nb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	st, err := nb.buildStore(cfg)
	if err != nil {
		return nil, err
	}
	agent := cfg.Agent.Agent()

	var pool *ObserverPool
	// release undoes what Build created itself; a caller supplied store is left open
	release := func() {
		if pool != nil {
			_ = pool.Close(0)
		}
		if c, ok := st.(io.Closer); ok && nb.storeInst == nil {
			_ = c.Close()
		}
	}

	obs := &observers{}
	if nb.poolWorkers > 0 {
		pool = NewObserverPool(context.Background(), nb.poolWorkers, nb.poolBuffer, lg)
		obs.pool = pool
	}
	// logging observer first unless one was supplied
	hasLogging := false
	for _, o := range nb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLogging = true
			break
		}
	}
	if !hasLogging {
		obs.add(LoggingObserver{Logger: lg})
	}
	obs.add(nb.observers...)

	tr, err := nb.buildTransport(cfg, agent, st, cd, obs)
	if err != nil {
		release()
		return nil, err
	}

	opts := []BridgeOption{
		WithCodec(cd),
		WithClock(clk),
		WithLogger(lg),
		withObserverSet(obs),
		WithQueueConfig(cfg.QueueConfig()),
		WithOutbound(nb.outbound...),
		WithHandlerMiddleware(nb.handlerMW...),
	}
	if st != nil {
		opts = append(opts, WithStore(st))
	}
	if tr != nil {
		opts = append(opts, WithTransport(tr))
	}
	br, err := NewBridge(cfg.BridgeConfig(), opts...)
	if err != nil {
		release()
		return nil, err
	}

	return &Node{
		cfg:       cfg,
		agent:     agent,
		bridge:    br,
		store:     st,
		transport: tr,
		codec:     cd,
		clock:     clk,
		logger:    lg,
		obs:       obs,
		pool:      pool,
	}, nil
}

func (nb *NodeBuilder) buildStore(cfg Config) (Store, error) {
	switch {
	case nb.noStore:
		return nil, nil
	case nb.storeInst != nil:
		return nb.storeInst, nil
	case nb.storeName != "":
		return NewStore(nb.storeName, nb.storeCfg)
	case cfg.Store != "":
		s, err := NewStore(cfg.Store, cfg.StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("store %q: %w", cfg.Store, err)
		}
		return s, nil
	}
	return nil, nil
}

func (nb *NodeBuilder) buildTransport(cfg Config, agent Agent, st Store, cd Codec, obs *observers) (Transport, error) {
	switch {
	case nb.local:
		return nil, nil
	case nb.transportInst != nil:
		return nb.transportInst, nil
	}
	name, tcfg := nb.transportName, nb.transportCfg
	if name == "" {
		var err error
		if name, err = cfg.TransportName(); err != nil {
			return nil, err
		}
		tcfg = cfg.TransportOptions()
	}
	m := make(map[string]any, len(tcfg)+4)
	for k, v := range tcfg {
		m[k] = v
	}
	// adapters that need them pick these up by type
	m["agent"] = agent
	m["codec"] = cd
	m["observer"] = ObserverFunc(obs.notify)
	if st != nil {
		m["store"] = st
	}
	return NewTransport(name, m)
}

// New constructs a Node via the builder and returns a stop func for convenience.
func New(init func(nb *NodeBuilder)) (*Node, func() error, error) {
	nb := NewNodeBuilder()
	if init != nil {
		init(nb)
	}
	n, err := nb.Build()
	if err != nil {
		return nil, nil, err
	}
	stop := func() error { return n.Stop(context.Background()) }
	return n, stop, nil
}

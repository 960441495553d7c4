package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xmesh"
)

type sendOptions struct {
	typ      string
	to       string
	payload  string
	priority string
	channel  string
	wait     time.Duration
}

func newSendCmd(a *app) *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish one message as a client and wait for its delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.wait)
			defer cancel()
			id, err := a.send(ctx, o)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.typ, "type", "t", string(xmesh.KnowledgeQuery), "message type")
	f.StringVar(&o.to, "to", "", "target agent id (broadcast when empty)")
	f.StringVarP(&o.payload, "payload", "p", "", "payload JSON for the message type")
	f.StringVar(&o.priority, "priority", "normal", "low, normal, high or critical")
	f.StringVar(&o.channel, "channel", "", "channel (defaults to the type's channel)")
	f.DurationVar(&o.wait, "wait", 10*time.Second, "how long to wait for delivery")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

// build validates the flags and returns the message parts.
func (o sendOptions) build() (xmesh.MessageType, xmesh.Payload, xmesh.Target, []xmesh.MessageOption, error) {
	typ := xmesh.MessageType(strings.ToUpper(o.typ))
	if !typ.Known() {
		return "", nil, xmesh.Target{}, nil, fmt.Errorf("%w: %q", xmesh.ErrUnknownMessageType, o.typ)
	}
	payload, err := xmesh.DecodePayload(typ, []byte(o.payload))
	if err != nil {
		return "", nil, xmesh.Target{}, nil, err
	}
	prio, err := xmesh.ParsePriority(o.priority)
	if err != nil {
		return "", nil, xmesh.Target{}, nil, err
	}
	opts := []xmesh.MessageOption{xmesh.WithPriority(prio)}
	if o.channel != "" {
		ch := xmesh.Channel(o.channel)
		if !ch.Valid() {
			return "", nil, xmesh.Target{}, nil, fmt.Errorf("%w: unknown channel %q", xmesh.ErrInvalidMessage, o.channel)
		}
		opts = append(opts, xmesh.WithChannel(ch))
	}
	target := xmesh.Broadcast()
	if o.to != "" {
		target = xmesh.To(xmesh.Agent{ID: o.to, Type: xmesh.AgentCustom, Name: o.to})
	}
	return typ, payload, target, opts, nil
}

func (a *app) send(ctx context.Context, o sendOptions) (string, error) {
	typ, payload, target, opts, err := o.build()
	if err != nil {
		return "", err
	}
	cfg := a.cfg
	cfg.Role = "client"
	node, err := xmesh.NewNodeBuilder().WithConfig(cfg).WithLogger(a.logger).WithoutStore().Build()
	if err != nil {
		return "", err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(stopCtx)
	}()
	if err := node.Start(ctx); err != nil {
		return "", err
	}
	msg, err := node.Publish(target, typ, payload, opts...)
	if err != nil {
		return "", err
	}
	return msg.ID, waitDelivered(ctx, node.Queue())
}

// waitDelivered polls the queue until the single message is delivered or dead-lettered.
func waitDelivered(ctx context.Context, q *xmesh.Queue) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		st, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		switch {
		case st.Delivered > 0:
			return nil
		case st.DeadLettered > 0:
			dead, _ := q.DeadLetters(ctx)
			reason := "delivery failed"
			if len(dead) > 0 && dead[0].Error != "" {
				reason = dead[0].Error
			}
			return errors.New(reason)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not delivered: %w", ctx.Err())
		case <-t.C:
		}
	}
}

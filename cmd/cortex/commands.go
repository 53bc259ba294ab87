package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/cortex"
)

func (c command) status(ctx context.Context) error {
	ctx, cancel := c.client.Context(ctx)
	defer cancel()
	st, err := c.client.Cortex.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("tenant:         %s\n", st.Tenant)
	fmt.Printf("started:        %s\n", time.UnixMilli(st.StartedAt).Format(time.RFC3339))
	fmt.Printf("uptime:         %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Printf("outbox pending: %d\n", st.OutboxPending)
	fmt.Printf("outbox parked:  %d\n", st.OutboxParked)
	return nil
}

func (c command) space(ctx context.Context) error {
	if c.userID == "" {
		return errors.New("no user: pass --user or set user_id in the client config")
	}
	ctx, cancel := c.client.Context(ctx)
	defer cancel()
	space, err := c.client.Cortex.EnsureMemorySpace(ctx, api.EnsureSpaceRequest{UserID: c.userID})
	if err != nil {
		return err
	}
	return printJSON(space)
}

func (c command) recall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recall", flag.ContinueOnError)
	query := fs.String("q", "", "Query")
	limit := fs.Int("limit", 0, "Maximum memories (default: server setting)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *query == "" {
		return fmt.Errorf("recall needs -q: %w", errUsage)
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	res := s.Recall(ctx, *query, *limit)
	if res.Degraded {
		c.logger.Warn().Msg("Recall was degraded; results may be incomplete")
	}
	return printJSON(res)
}

func (c command) remember(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remember", flag.ContinueOnError)
	query := fs.String("q", "", "What the user said")
	answer := fs.String("a", "", "What the agent answered")
	conversation := fs.String("conversation", "", "Conversation to append to (default: the active one)")
	property := fs.String("property", "", "Property the turn was about")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *query == "" {
		return fmt.Errorf("remember needs -q: %w", errUsage)
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	res, err := s.Remember(ctx, cortex.RememberInput{
		UserQuery:      *query,
		AgentResponse:  *answer,
		ConversationID: *conversation,
		PropertyID:     *property,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (c command) prefer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prefer", flag.ContinueOnError)
	category := fs.String("category", "", "Preference category, e.g. suburb")
	value := fs.String("value", "", "Preferred value")
	negative := fs.Bool("avoid", false, "The user wants to avoid the value")
	confidence := fs.Int("confidence", 0, "Confidence 0-100 (default: server setting)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *category == "" || *value == "" {
		return fmt.Errorf("prefer needs -category and -value: %w", errUsage)
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	res, err := s.StorePreference(ctx, cortex.PreferenceInput{
		Category:   *category,
		Preference: *value,
		Negative:   *negative,
		Confidence: *confidence,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (c command) history(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("history needs a fact id: %w", errUsage)
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	h, err := s.FactHistory(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(h)
}

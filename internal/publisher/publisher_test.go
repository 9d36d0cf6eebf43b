package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"postflow/internal/domain"
	"postflow/internal/publisher"
)

type memDestination struct {
	name     string
	err      error
	received []json.RawMessage
}

func (d *memDestination) Name() string { return d.name }

func (d *memDestination) Publish(ctx context.Context, content json.RawMessage) (domain.DestinationResult, error) {
	if d.err != nil {
		return domain.DestinationResult{}, d.err
	}
	d.received = append(d.received, content)
	return domain.DestinationResult{Success: true, PostID: "post-" + d.name}, nil
}

func (d *memDestination) Update(ctx context.Context, externalID string, content json.RawMessage) error {
	return d.err
}

func (d *memDestination) Delete(ctx context.Context, externalID string) error {
	return d.err
}

func TestPublishFanOut(t *testing.T) {
	reg := publisher.NewRegistry(0)
	blog := &memDestination{name: "blog"}
	tg := &memDestination{name: "telegram"}
	reg.Register(blog)
	reg.Register(tg)

	content := json.RawMessage(`{"title":"t"}`)
	res := reg.PublishToDestinations(context.Background(), content, []string{"blog", "telegram"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %+v", res.Results)
	}
	if res.Results[0].Destination != "blog" || res.Results[0].PostID != "post-blog" {
		t.Fatalf("first result = %+v", res.Results[0])
	}
	if len(blog.received) != 1 || len(tg.received) != 1 {
		t.Fatal("destinations not all reached")
	}
}

func TestPublishUnknownDestinationContinues(t *testing.T) {
	reg := publisher.NewRegistry(0)
	blog := &memDestination{name: "blog"}
	reg.Register(blog)

	res := reg.PublishToDestinations(context.Background(), json.RawMessage(`{}`), []string{"nowhere", "blog"})
	if res.Success {
		t.Fatal("unknown destination must fail the fan-out")
	}
	if len(res.Results) != 2 || res.Results[0].Success || !res.Results[1].Success {
		t.Fatalf("results = %+v", res.Results)
	}
	if len(blog.received) != 1 {
		t.Fatal("known destination skipped after unknown one")
	}
	if res.ErrorSummary() == "" {
		t.Fatal("no error summary")
	}
}

func TestPublishDestinationFailureContinues(t *testing.T) {
	reg := publisher.NewRegistry(0)
	reg.Register(&memDestination{name: "down", err: errors.New("connection refused")})
	after := &memDestination{name: "up"}
	reg.Register(after)

	res := reg.PublishToDestinations(context.Background(), json.RawMessage(`{}`), []string{"down", "up"})
	if res.Success {
		t.Fatal("failed destination must fail the fan-out")
	}
	if res.Results[0].Success || res.Results[0].Error == "" {
		t.Fatalf("failed result = %+v", res.Results[0])
	}
	if len(after.received) != 1 {
		t.Fatal("fan-out aborted after a failure")
	}
}

func TestRegisterReplaces(t *testing.T) {
	reg := publisher.NewRegistry(0)
	reg.Register(&memDestination{name: "blog", err: errors.New("old")})
	fresh := &memDestination{name: "blog"}
	reg.Register(fresh)

	res := reg.PublishToDestinations(context.Background(), json.RawMessage(`{}`), []string{"blog"})
	if !res.Success || len(fresh.received) != 1 {
		t.Fatalf("replacement not used: %+v", res)
	}

	if _, ok := reg.Destination("blog"); !ok {
		t.Fatal("lookup failed")
	}
	if _, ok := reg.Destination("nowhere"); ok {
		t.Fatal("unknown lookup succeeded")
	}
}

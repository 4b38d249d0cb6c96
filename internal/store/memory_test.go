package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refset/aegis/internal/customer"
)

func TestMemoryGetCreatesDefaultProfile(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	p, err := s.Get(ctx, "first-seen")
	require.NoError(t, err)
	assert.Equal(t, "first-seen", p.CustomerID)
	assert.Equal(t, customer.TierNone, p.Tier)
	assert.Equal(t, customer.StageNew, p.Stage)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryMutateAppliesAndVersions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	p, err := s.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.Tier = customer.TierTrial
		p.Stage = customer.StageTrialCreated
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, customer.StageTrialCreated, p.Stage)
	assert.Equal(t, int64(1), p.Version)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestMemoryMutateRejectsInvalidTransition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.Stage = customer.StageActive // tier still NONE
		return nil
	})
	assert.ErrorIs(t, err, customer.ErrInvalidTransition)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, customer.StageNew, got.Stage)
	assert.Equal(t, int64(0), got.Version)
}

func TestMemoryMutateFnErrorLeavesStateUnchanged(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	boom := errors.New("collaborator down")

	_, err := s.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.Tier = customer.TierTrial
		p.Stage = customer.StageTrialCreated
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(ctx, "c1")
	assert.Equal(t, customer.TierNone, got.Tier)
}

func TestMemoryConcurrentMutateNoLostUpdates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Mutate(ctx, "shared", func(p *customer.Profile) error {
					p.TotalAPICalls++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	p, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), p.TotalAPICalls)
	assert.Equal(t, int64(writers*perWriter), p.Version)
}

func TestMemoryDifferentCustomersDoNotBlock(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Mutate(ctx, "slow", func(p *customer.Profile) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	finished := make(chan struct{})
	go func() {
		_, _ = s.Mutate(ctx, "fast", func(p *customer.Profile) error { return nil })
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("mutation of another customer blocked behind a slow one")
	}
	close(release)
	<-done
}

func TestMemoryListAllIsSnapshot(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	snap, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)

	_, err = s.Mutate(ctx, "c0", func(p *customer.Profile) error {
		p.TotalAPICalls = 99
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap[0].TotalAPICalls)
}

func TestMemoryReset(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, err := s.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.Tier = customer.TierTrial
		p.Stage = customer.StageAPIKeysGenerated
		p.APIKeys = map[string]string{"test": "sk_test_x"}
		return nil
	})
	require.NoError(t, err)

	p, err := s.Reset(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, customer.StageNew, p.Stage)
	assert.Equal(t, customer.TierNone, p.Tier)
	assert.Empty(t, p.APIKeys)
	assert.Equal(t, int64(2), p.Version)
}

func TestDemoProfilesAreValid(t *testing.T) {
	now := time.Now().UTC()
	profiles := DemoProfiles(now)
	require.Len(t, profiles, 4)
	for _, p := range profiles {
		assert.NoError(t, p.Validate(), p.CustomerID)
	}

	m := NewMemory()
	m.Seed(profiles...)
	all, err := m.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

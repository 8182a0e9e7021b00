package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetchat/duet/ai/llm"
)

func TestAutoTitle_NamesUntitledConversation(t *testing.T) {
	svc := &fakeService{chunks: []string{"sure"}}
	driver := newMemoryDriver()
	bus := NewEventBus()
	o := NewOrchestrator(newTestStore(driver), &fakeResolver{services: map[string]llm.Service{"m1": svc}}, bus, nil)
	o.RegisterAutoTitle(bus)

	conv, err := o.CreateConversation(context.Background(), CreateConversationOptions{Models: []string{"m1"}})
	require.NoError(t, err)
	require.Empty(t, conv.Title)

	drain(t, mustSend(t, o, conv.ID, "Explain Go channels\nwith examples"))

	fresh, err := o.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Explain Go channels", fresh.Title, "title derives from the first line of the first user message")
}

func TestAutoTitle_KeepsExistingTitle(t *testing.T) {
	svc := &fakeService{chunks: []string{"sure"}}
	bus := NewEventBus()
	o := NewOrchestrator(newTestStore(newMemoryDriver()), &fakeResolver{services: map[string]llm.Service{"m1": svc}}, bus, nil)
	o.RegisterAutoTitle(bus)

	conv, err := o.CreateConversation(context.Background(), CreateConversationOptions{
		Title:  "My title",
		Models: []string{"m1"},
	})
	require.NoError(t, err)

	drain(t, mustSend(t, o, conv.ID, "hello"))

	fresh, err := o.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "My title", fresh.Title)
}

func TestDeriveTitle_Truncates(t *testing.T) {
	long := strings.Repeat("word ", 30)
	title := deriveTitle(long)
	assert.LessOrEqual(t, len([]rune(title)), maxTitleLength+1)
	assert.True(t, strings.HasSuffix(title, "…"))

	assert.Equal(t, "short", deriveTitle("  short  "))
}

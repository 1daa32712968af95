package testutil

import (
	"context"
	"sync"

	"github.com/normanking/avatarchat/internal/poller"
)

// FakeIndicator records the job indicator's display.
type FakeIndicator struct {
	mu       sync.Mutex
	progress []poller.Progress
	visible  bool
	hides    int
	modals   []string
	confirms []string
}

func (i *FakeIndicator) ShowProgress(ctx context.Context, p poller.Progress) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.progress = append(i.progress, p)
	i.visible = true
	return nil
}

func (i *FakeIndicator) HideProgress(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.visible = false
	i.hides++
	return nil
}

func (i *FakeIndicator) ShowModal(ctx context.Context, message string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.modals = append(i.modals, message)
	return nil
}

func (i *FakeIndicator) ShowConfirm(ctx context.Context, message, confirm string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.modals = append(i.modals, message)
	i.confirms = append(i.confirms, confirm)
	return nil
}

func (i *FakeIndicator) Visible() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.visible
}

// Last returns the most recent progress shown.
func (i *FakeIndicator) Last() (poller.Progress, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.progress) == 0 {
		return poller.Progress{}, false
	}
	return i.progress[len(i.progress)-1], true
}

func (i *FakeIndicator) Modals() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.modals...)
}

// Confirms returns the confirm message types of the modals that had one.
func (i *FakeIndicator) Confirms() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.confirms...)
}

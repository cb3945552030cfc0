package room

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"short", false},
		{"abcdefg", false},                    // 7 chars
		{"abcdefgh", true},                    // 8 chars
		{"testsession12", true},               // 13 chars
		{strings.Repeat("a", 64), true},       // upper bound
		{strings.Repeat("a", 65), false},      // too long
		{"valid_with-both", true},             // _ and -
		{"has spaces!", false},                // out of alphabet
		{"ABC123xyz_-0", true},                // mixed alphabet
		{"with.dots.no", false},               // dot not allowed
		{"tab\tsession12", false},             // control char
		{strings.Repeat("Z", 8), true},        // exact lower bound
		{"émoji-sessions", false},             // non-ASCII
	}
	for _, tt := range tests {
		if got := IsValidSessionID(tt.in); got != tt.want {
			t.Errorf("IsValidSessionID(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClaimSharer_SingleSlot(t *testing.T) {
	r := NewRegistry(nil)

	if !r.ClaimSharer("session-0001", "S1") {
		t.Fatalf("first claim should succeed")
	}
	if r.ClaimSharer("session-0001", "S2") {
		t.Fatalf("second claim should fail")
	}
	if id, ok := r.SharerID("session-0001"); !ok || id != "S1" {
		t.Fatalf("SharerID=%q,%v, want S1,true", id, ok)
	}
}

func TestClaimSharer_Concurrent(t *testing.T) {
	r := NewRegistry(nil)

	const n = 32
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.ClaimSharer("session-0001", string(rune('A'+i)))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("got %d successful claims, want exactly 1", wins)
	}
	if !r.HasSharer("session-0001") {
		t.Fatalf("expected a sharer after concurrent claims")
	}
}

func TestReleaseSharer_StaleCaller(t *testing.T) {
	r := NewRegistry(nil)
	r.ClaimSharer("session-0001", "S1")

	if r.ReleaseSharer("session-0001", "S2") {
		t.Fatalf("release by non-holder should fail")
	}
	if !r.HasSharer("session-0001") {
		t.Fatalf("sharer slot should be untouched")
	}
	if !r.ReleaseSharer("session-0001", "S1") {
		t.Fatalf("release by holder should succeed")
	}
	if r.HasSharer("session-0001") {
		t.Fatalf("sharer slot should be free")
	}
}

func TestReleaseSharer_DeletesEmptyRoom(t *testing.T) {
	r := NewRegistry(nil)
	r.ClaimSharer("session-0001", "S1")
	r.ReleaseSharer("session-0001", "S1")

	if r.Has("session-0001") {
		t.Fatalf("room with no sharer and no members should be gone")
	}
}

func TestAddViewer_Idempotent(t *testing.T) {
	r := NewRegistry(nil)

	if !r.AddViewer("session-0001", "V1") {
		t.Fatalf("first add should succeed")
	}
	if r.AddViewer("session-0001", "V1") {
		t.Fatalf("duplicate add should return false")
	}
	if got := r.ViewerCount("session-0001"); got != 1 {
		t.Fatalf("ViewerCount=%d, want 1", got)
	}
}

func TestJoinViewer_Capacity(t *testing.T) {
	r := NewRegistry(nil)

	res, count := r.JoinViewer("session-0001", "V1", 1)
	if res != Joined || count != 1 {
		t.Fatalf("first join: res=%v count=%d, want Joined,1", res, count)
	}
	res, count = r.JoinViewer("session-0001", "V1", 1)
	if res != AlreadyMember || count != 1 {
		t.Fatalf("re-join: res=%v count=%d, want AlreadyMember,1", res, count)
	}
	res, count = r.JoinViewer("session-0001", "V2", 1)
	if res != AtCapacity || count != 1 {
		t.Fatalf("over cap: res=%v count=%d, want AtCapacity,1", res, count)
	}
	res, _ = r.JoinViewer("session-0001", "V2", 0)
	if res != Joined {
		t.Fatalf("unlimited cap: res=%v, want Joined", res)
	}
}

func TestRemoveViewer_DeletesSharerlessEmptyRoom(t *testing.T) {
	r := NewRegistry(nil)
	r.AddViewer("session-0001", "V1")

	r.RemoveViewer("session-0001", "V1")
	if r.Has("session-0001") {
		t.Fatalf("expected room deleted after last member left")
	}

	// With a sharer present the room must survive the last viewer leaving.
	r.ClaimSharer("session-0002", "S1")
	r.AddViewer("session-0002", "V1")
	r.RemoveViewer("session-0002", "V1")
	if !r.Has("session-0002") {
		t.Fatalf("room with a sharer must not be deleted")
	}
}

func TestViewerCount_ExcludesSharer(t *testing.T) {
	r := NewRegistry(nil)
	r.ClaimSharer("session-0001", "S1")
	r.AddViewer("session-0001", "V1")
	r.AddViewer("session-0001", "V2")

	if got := r.ViewerCount("session-0001"); got != 2 {
		t.Fatalf("ViewerCount=%d, want 2", got)
	}

	ids := r.ViewerIDs("session-0001")
	if len(ids) != 2 {
		t.Fatalf("ViewerIDs=%v, want 2 viewer ids", ids)
	}
	for _, id := range ids {
		if id == "S1" {
			t.Fatalf("ViewerIDs must not contain the sharer")
		}
	}

	members := r.MemberIDs("session-0001")
	if len(members) != 3 {
		t.Fatalf("MemberIDs=%v, want all 3 members", members)
	}
}

func TestSweepIdleRooms(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(clk)

	// Sharer-held room: never swept regardless of elapsed time.
	r.ClaimSharer("with-sharer-01", "S1")

	// Viewer-only room, idle.
	r.AddViewer("viewers-only-1", "V1")

	clk.Advance(10 * time.Minute)
	removed := r.SweepIdleRooms(clk.Now(), 5*time.Minute)
	if removed != 1 {
		t.Fatalf("removed=%d, want 1", removed)
	}
	if !r.Has("with-sharer-01") {
		t.Fatalf("room with an active sharer must survive the sweep")
	}
	if r.Has("viewers-only-1") {
		t.Fatalf("idle viewer-only room should be swept")
	}
}

func TestSweepIdleRooms_RecentViewerJoinCountsAsActivity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(clk)

	r.AddViewer("viewers-only-1", "V1")
	clk.Advance(4 * time.Minute)
	r.AddViewer("viewers-only-1", "V2") // fresh activity

	clk.Advance(4 * time.Minute)
	if removed := r.SweepIdleRooms(clk.Now(), 5*time.Minute); removed != 0 {
		t.Fatalf("removed=%d, want 0 (last join was 4m ago)", removed)
	}

	clk.Advance(2 * time.Minute)
	if removed := r.SweepIdleRooms(clk.Now(), 5*time.Minute); removed != 1 {
		t.Fatalf("removed=%d, want 1 (last join now 6m ago)", removed)
	}
}

func TestSweepIdleRooms_ReleasedSharerRoomBecomesSweepable(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(clk)

	r.ClaimSharer("session-0001", "S1")
	r.AddViewer("session-0001", "V1")
	r.ReleaseSharer("session-0001", "S1")

	clk.Advance(10 * time.Minute)
	if removed := r.SweepIdleRooms(clk.Now(), 5*time.Minute); removed != 1 {
		t.Fatalf("removed=%d, want 1 once the sharer is gone", removed)
	}
}

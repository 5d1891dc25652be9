package territory

import (
	"sync"
	"testing"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

func TestAssignStable(t *testing.T) {
	keys := []string{"P-1001", "P-1002", "P-1003", "ZZ-0", ""}
	for _, key := range keys {
		first := Assign(key)
		for i := 0; i < 50; i++ {
			if got := Assign(key); got != first {
				t.Fatalf("Assign(%q) flapped: %s then %s", key, first, got)
			}
		}
	}
}

func TestAssignClosedSet(t *testing.T) {
	valid := map[models.TerritoryTag]struct{}{TagOther: {}}
	for _, tag := range Tags() {
		valid[tag] = struct{}{}
	}
	for i := 0; i < 1000; i++ {
		tag := Assign(string(rune('A'+i%26)) + "-" + string(rune('0'+i%10)))
		if _, ok := valid[tag]; !ok {
			t.Fatalf("tag %s outside the closed set", tag)
		}
	}
}

func TestAssignEmptyKeyOverflows(t *testing.T) {
	if got := Assign("  "); got != TagOther {
		t.Fatalf("blank key = %s, want OTHER", got)
	}
}

func TestMappingLookupAndVisible(t *testing.T) {
	m := NewMapping(map[string][]models.TerritoryTag{
		"reinsurer_a": {TagOhio, TagIndiana},
		"Reinsurer_B": {models.AllStates},
		"empty_org":   {},
	})
	if !m.Visible("REINSURER_A", TagOhio) {
		t.Fatal("expected OH visible for reinsurer_a")
	}
	if m.Visible("reinsurer_a", TagTexas) {
		t.Fatal("TX must not be visible for reinsurer_a")
	}
	if !m.Visible("reinsurer_b", TagTexas) {
		t.Fatal("wildcard entry must see every territory")
	}
	if m.Visible("empty_org", TagOhio) {
		t.Fatal("empty allowed set must see nothing")
	}
	if m.Visible("unknown_org", TagOhio) {
		t.Fatal("unmapped account must see nothing")
	}
	if _, ok := m.Lookup("empty_org"); !ok {
		t.Fatal("empty_org has an entry; Lookup must report it")
	}
	if _, ok := m.Lookup("unknown_org"); ok {
		t.Fatal("unknown_org must not resolve")
	}
}

func TestStoreCopyOnWrite(t *testing.T) {
	s := NewStore()
	s.Upsert("org1", []models.TerritoryTag{TagOhio})
	before := s.Current()
	s.Upsert("org1", []models.TerritoryTag{TagTexas})
	if !before.Visible("org1", TagOhio) || before.Visible("org1", TagTexas) {
		t.Fatal("published mapping mutated after upsert")
	}
	after := s.Current()
	if !after.Visible("org1", TagTexas) || after.Visible("org1", TagOhio) {
		t.Fatal("replacement entry not visible in new snapshot")
	}
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	s.Upsert("org1", []models.TerritoryTag{TagOhio})
	s.Upsert("org2", []models.TerritoryTag{models.AllStates})
	s.Delete("org1")
	m := s.Current()
	if _, ok := m.Lookup("org1"); ok {
		t.Fatal("org1 still mapped after delete")
	}
	if !m.Visible("org2", TagTexas) {
		t.Fatal("org2 lost its entry")
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m := s.Current()
				// A reader must always observe a whole table.
				if m == nil {
					t.Error("nil mapping observed")
					return
				}
				_ = m.Visible("org1", TagOhio)
			}
		}()
	}
	for i := 0; i < 500; i++ {
		s.Upsert("org1", []models.TerritoryTag{TagOhio})
		s.Upsert("org1", []models.TerritoryTag{TagTexas})
	}
	close(stop)
	wg.Wait()
}

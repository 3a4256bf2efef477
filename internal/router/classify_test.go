package router

import (
	"testing"

	"github.com/trunov/grouphub/internal/entities"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		key        string
		tenant, id string
		kind       string
		ok         bool
	}{
		{"acme/uploads/u1/0.jpg", "acme", "u1", entities.KindObject, true},
		{"acme/uploads/u1/complete.json", "acme", "u1", entities.KindTrigger, true},
		{"media/acme/uploads/u1/1.png", "acme", "u1", entities.KindObject, true},
		{"media/acme/uploads/u1/complete.json", "acme", "u1", entities.KindTrigger, true},

		// outside the uploads namespace
		{"acme/thumbnails/u1/0.jpg", "", "", "", false},
		{"uploads/u1/0.jpg", "", "", "", false}, // no tenant ahead of "uploads"
		{"acme/uploads/u1", "", "", "", false},
		{"acme/uploads/u1/nested/0.jpg", "", "", "", false},
		{"", "", "", "", false},
	}
	for _, c := range cases {
		tenant, id, kind, ok := Classify(c.key)
		if ok != c.ok || tenant != c.tenant || id != c.id || kind != c.kind {
			t.Errorf("Classify(%q) = (%q, %q, %q, %v), want (%q, %q, %q, %v)",
				c.key, tenant, id, kind, ok, c.tenant, c.id, c.kind, c.ok)
		}
	}
}

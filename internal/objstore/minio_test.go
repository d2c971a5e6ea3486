package objstore

import "testing"

func TestNormalizePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"staging", "staging/"},
		{"/staging/", "staging/"},
		{"tenants/acme", "tenants/acme/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMinioObjectNameAppliesPrefix(t *testing.T) {
	s := &MinioStore{prefix: normalizePrefix("staging")}
	if got := s.objectName("products/MUG-042/c0ffee/cutout.png"); got != "staging/products/MUG-042/c0ffee/cutout.png" {
		t.Fatalf("objectName = %q", got)
	}
	bare := &MinioStore{}
	if got := bare.objectName("products/MUG-042/c0ffee/cutout.png"); got != "products/MUG-042/c0ffee/cutout.png" {
		t.Fatalf("unprefixed objectName = %q", got)
	}
}

package policy

import "testing"

func TestOriginPolicyExact(t *testing.T) {
	p := NewOriginPolicy([]string{"http://localhost:5173", "http://localhost:3000/"}, false)
	cases := map[string]bool{
		"http://localhost:5173": true,
		"http://LOCALHOST:3000": true,
		"http://localhost:8080": false,
		"https://evil.example":  false,
		"":                      true,
	}
	for origin, want := range cases {
		if got := p.Allowed(origin); got != want {
			t.Fatalf("Allowed(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := NewOriginPolicy([]string{"http://localhost:*", "https://*.buddytalk.app"}, false)
	if !p.Allowed("http://localhost:4173") {
		t.Fatalf("expected localhost wildcard port to be allowed")
	}
	if !p.Allowed("https://kids.buddytalk.app") {
		t.Fatalf("expected subdomain wildcard to be allowed")
	}
	if p.Allowed("https://buddytalk.app.evil.example/x") {
		t.Fatalf("wildcard must not cross path separators")
	}
}

func TestOriginPolicyAllowAny(t *testing.T) {
	if !NewOriginPolicy([]string{"*"}, false).Allowed("https://anything.example") {
		t.Fatalf("\"*\" should allow any origin")
	}
	p := NewOriginPolicy(nil, true)
	if !p.AllowAny() || !p.Allowed("https://anything.example") {
		t.Fatalf("allowAny policy rejected origin")
	}
}

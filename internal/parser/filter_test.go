package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"HTTPS://WWW.Foo.COM/bar?x=1": "foo.com",
		"http://shop.example.com":     "shop.example.com",
		"  www.example.org.  ":        "example.org",
		"example.net?ref=list":        "example.net",
		"//cdn.example.io/a.png":      "cdn.example.io",
		"(store.example.co.uk),":      "store.example.co.uk",
		"https://www.www.double.com/": "double.com",
		"https://Shop.com:443/x":      "shop.com",
		"https://user@shop.com/":      "shop.com",
		"http://a:b@www.creds.io:80":  "creds.io",
		"":                            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://WWW.Foo.COM/bar?x=1",
		"http://https://www.nested.com/x",
		" ftp://www.WWW.example.com.;/path ",
		"example.com#top",
		"Ünïcode.Example/path",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestIsDomain(t *testing.T) {
	assert.True(t, IsDomain("foo.com"))
	assert.True(t, IsDomain("a-b.shop.example.co"))
	assert.False(t, IsDomain(""))
	assert.False(t, IsDomain("localhost"))
	assert.False(t, IsDomain("foo.com:8080"))
	assert.False(t, IsDomain("-foo.com"))
}

func TestIsExcluded(t *testing.T) {
	assert.True(t, IsExcluded("facebook.com"))
	assert.True(t, IsExcluded("m.facebook.com"))
	assert.True(t, IsExcluded("ads.example.com"))
	assert.True(t, IsExcluded("cdn.shopify.com"))
	assert.False(t, IsExcluded("notfacebook.com"))
	assert.False(t, IsExcluded("example.com"))
}

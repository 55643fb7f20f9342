package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

func TestNewNegotiate_RealmFromUsername(t *testing.T) {
	p, err := newNegotiate(&config.Authentication{
		Username: "jdoe@corp.example.com", Password: "pass", Type: config.AuthNegotiate,
	})
	require.NoError(t, err)

	np := p.(*negotiateProvider)
	assert.Equal(t, "jdoe", np.username)
	assert.Equal(t, "CORP.EXAMPLE.COM", np.realm)
	assert.Equal(t, "Negotiate", p.Scheme())
}

func TestNewNegotiate_ExplicitRealm(t *testing.T) {
	p, err := newNegotiate(&config.Authentication{
		Username: "jdoe", Password: "pass", Type: config.AuthNegotiate,
		Realm: "example.com", KDC: []string{"kdc1.example.com:88", "kdc2.example.com:88"},
	})
	require.NoError(t, err)
	assert.Equal(t, "EXAMPLE.COM", p.(*negotiateProvider).realm)
}

func TestNewNegotiate_NoRealm(t *testing.T) {
	_, err := newNegotiate(&config.Authentication{
		Username: "jdoe", Password: "pass", Type: config.AuthNegotiate,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realm")
}

func TestLoadKrb5Conf_Synthesized(t *testing.T) {
	conf, err := loadKrb5Conf(&config.Authentication{
		KDC: []string{"kdc.example.com:88"},
	}, "EXAMPLE.COM")
	require.NoError(t, err)

	assert.Equal(t, "EXAMPLE.COM", conf.LibDefaults.DefaultRealm)
	require.Len(t, conf.Realms, 1)
	assert.Equal(t, "EXAMPLE.COM", conf.Realms[0].Realm)
	assert.Equal(t, []string{"kdc.example.com:88"}, conf.Realms[0].KDC)
}

func TestLoadKrb5Conf_DNSLookupWithoutKDCs(t *testing.T) {
	conf, err := loadKrb5Conf(&config.Authentication{}, "EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, conf.LibDefaults.DNSLookupKDC)
}

func TestNegotiateAuthorize_RequiresProxyHost(t *testing.T) {
	p, err := newNegotiate(&config.Authentication{
		Username: "jdoe", Password: "pass", Type: config.AuthNegotiate, Realm: "EXAMPLE.COM",
	})
	require.NoError(t, err)

	_, err = p.Authorize(&Request{Method: "CONNECT", URI: "h:443"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy hostname")
}

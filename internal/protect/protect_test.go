package protect

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/loadergate/internal/errs"
)

type sample struct {
	Name     string
	Secret   string `protect:"secret"`
	Password string `protect:"password"`
	Inner    struct {
		Token string `protect:"token"`
	}
}

func newTestProtector(t *testing.T) *Protector {
	t.Helper()
	p, err := New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return p
}

func TestNew_RejectsBadKey(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)

	_, err = NewFromBase64("not base64!!")
	require.Error(t, err)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	p := newTestProtector(t)

	sealed, err := p.Seal("secret", "hunter2")
	require.NoError(t, err)
	require.True(t, IsSealed(sealed))
	require.NotContains(t, sealed, "hunter2")

	plain, err := p.Open("secret", sealed)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)
}

func TestSeal_FreshNonce(t *testing.T) {
	p := newTestProtector(t)
	a, err := p.Seal("secret", "same")
	require.NoError(t, err)
	b, err := p.Seal("secret", "same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpen_WrongFieldFails(t *testing.T) {
	p := newTestProtector(t)
	sealed, err := p.Seal("secret", "hunter2")
	require.NoError(t, err)

	_, err = p.Open("password", sealed)
	require.True(t, errs.IsEncryption(err))
	require.NotContains(t, err.Error(), "hunter2")
}

func TestOpen_WrongKeyFails(t *testing.T) {
	p := newTestProtector(t)
	sealed, err := p.Seal("secret", "hunter2")
	require.NoError(t, err)

	other, err := New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	_, err = other.Open("secret", sealed)
	require.True(t, errs.IsEncryption(err))
}

func TestOpen_Unsealed(t *testing.T) {
	p := newTestProtector(t)
	_, err := p.Open("secret", "plaintext")
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)
	require.Equal(t, "secret", encErr.Field)
}

func TestEmptyValuesPassThrough(t *testing.T) {
	p := newTestProtector(t)
	s, err := p.Seal("secret", "")
	require.NoError(t, err)
	require.Empty(t, s)
	o, err := p.Open("secret", "")
	require.NoError(t, err)
	require.Empty(t, o)
}

func TestSeal_RefusesSentinel(t *testing.T) {
	p := newTestProtector(t)
	_, err := p.Seal("secret", Sentinel)
	require.True(t, errs.IsEncryption(err))
}

func TestSealFieldsOpenFields(t *testing.T) {
	p := newTestProtector(t)
	s := sample{Name: "n", Secret: "s1", Password: "p1"}
	s.Inner.Token = "t1"

	require.NoError(t, p.SealFields(&s))
	require.Equal(t, "n", s.Name)
	require.True(t, IsSealed(s.Secret))
	require.True(t, IsSealed(s.Password))
	require.True(t, IsSealed(s.Inner.Token))

	require.NoError(t, p.OpenFields(&s))
	require.Equal(t, "s1", s.Secret)
	require.Equal(t, "p1", s.Password)
	require.Equal(t, "t1", s.Inner.Token)
}

func TestSealFields_PrefixedPlaintext(t *testing.T) {
	p := newTestProtector(t)
	s := sample{Secret: "enc:v1:hunter2", Password: sealPrefix}

	require.NoError(t, p.SealFields(&s))
	require.NotEqual(t, "enc:v1:hunter2", s.Secret)
	require.NotEqual(t, sealPrefix, s.Password)

	require.NoError(t, p.OpenFields(&s))
	require.Equal(t, "enc:v1:hunter2", s.Secret)
	require.Equal(t, sealPrefix, s.Password)
}

func TestMaskFields(t *testing.T) {
	s := sample{Name: "n", Secret: "s1"}
	MaskFields(&s)
	require.Equal(t, Sentinel, s.Secret)
	require.Empty(t, s.Password, "empty values stay empty")
	require.Equal(t, "n", s.Name)
}

func TestMergeUnchanged(t *testing.T) {
	current := &sample{Secret: "old-secret", Password: "old-pass"}
	incoming := sample{Secret: Sentinel, Password: "new-pass"}

	require.NoError(t, MergeUnchanged(&incoming, current))
	require.Equal(t, "old-secret", incoming.Secret)
	require.Equal(t, "new-pass", incoming.Password)
}

func TestMergeUnchanged_NoCurrent(t *testing.T) {
	incoming := sample{Secret: Sentinel}
	err := MergeUnchanged(&incoming, (*sample)(nil))
	require.True(t, errs.IsValidation(err))

	plain := sample{Secret: "x"}
	require.NoError(t, MergeUnchanged(&plain, nil))
}

func TestFields(t *testing.T) {
	require.Equal(t, []string{"secret", "password", "token"}, Fields(&sample{}))
	require.Error(t, walk(sample{}, nil))
}

func TestSealedValueFormat(t *testing.T) {
	p := newTestProtector(t)
	sealed, err := p.Seal("secret", "x")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "enc:v1:"))
}

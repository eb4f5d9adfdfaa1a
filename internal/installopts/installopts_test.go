package installopts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokens(t *testing.T) {
	v, err := Parse("ks_meta", `method=nfs harness='restraint rhts' no_autopart console=ttyS0 console=tty0 !selinux`)
	require.NoError(t, err)

	val, ok := v.Get("method")
	assert.True(t, ok)
	assert.Equal(t, "nfs", val)

	val, ok = v.Get("harness")
	assert.True(t, ok)
	assert.Equal(t, "restraint rhts", val)

	val, ok = v.Get("no_autopart")
	assert.True(t, ok)
	assert.Equal(t, "", val)

	val, _ = v.Get("console")
	assert.Equal(t, "tty0", val)

	assert.True(t, v.Negated("selinux"))
	assert.False(t, v.Has("selinux"))
	assert.Equal(t, []string{"method", "harness", "no_autopart", "console"}, v.Keys())
}

func TestParseEmpty(t *testing.T) {
	v, err := Parse("kernel_options", "   ")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())
	assert.Equal(t, "", v.String())
}

func TestParseValueWithEquals(t *testing.T) {
	v, err := Parse("kernel_options", `ip=dhcp root="LABEL=/ x"`)
	require.NoError(t, err)
	val, _ := v.Get("root")
	assert.Equal(t, "LABEL=/ x", val)
}

func TestParseSyntaxErrors(t *testing.T) {
	cases := map[string]string{
		"unterminated": `harness='restraint`,
		"empty key":    `=value`,
		"bare bang":    `!`,
		"negated val":  `!selinux=1`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("ks_meta", in)
			var se *SyntaxError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, "ks_meta", se.Source)
			assert.NotEmpty(t, se.Token)
		})
	}
}

func TestParseConflict(t *testing.T) {
	_, err := Parse("kernel_options", "quiet !quiet")
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "quiet", ce.Key)
}

func TestFromStringsNamesFailingSource(t *testing.T) {
	_, err := FromStrings("method=nfs", "console=ttyS0", `a="b`)
	var se *SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "kernel_options_post", se.Source)

	opts, err := FromStrings("method=nfs", "console=ttyS0", "")
	require.NoError(t, err)
	assert.True(t, opts.KSMeta.Has("method"))
	assert.True(t, opts.KernelOptions.Has("console"))
}

func TestFromStringsConflictAcrossSources(t *testing.T) {
	_, err := FromStrings("selinux=enforcing", "!selinux", "selinux=0")
	var ce *ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "kernel_options", ce.Source)
	assert.Equal(t, "selinux", ce.Key)
	assert.Equal(t, "ks_meta", ce.Other)
	assert.Equal(t, `kernel_options: "selinux" is negated but set in ks_meta`, err.Error())

	// negating a key nobody sets is fine
	opts, err := FromStrings("!selinux harness=restraint", "console=ttyS0", "quiet")
	require.NoError(t, err)
	assert.True(t, opts.KSMeta.Negated("selinux"))
	assert.Equal(t, "harness=restraint !selinux", opts.KSMeta.String())
}

func TestStringQuotesValues(t *testing.T) {
	v, err := Parse("ks_meta", `harness='restraint rhts' empty=''`)
	require.NoError(t, err)
	assert.Equal(t, `harness='restraint rhts' empty=''`, v.String())

	again, err := Parse("ks_meta", v.String())
	require.NoError(t, err)
	val, _ := again.Get("harness")
	assert.Equal(t, "restraint rhts", val)
}

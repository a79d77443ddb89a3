package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endlessm/helpcenter/internal/config"
	"github.com/endlessm/helpcenter/internal/index"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.toml")))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestPublishRequiresBucket(t *testing.T) {
	_, err := execute(t, "publish", "-d", t.TempDir())
	require.ErrorIs(t, err, config.ErrConfiguration)
	assert.Contains(t, err.Error(), "bucket")
}

func TestPublishRejectsMissingBuildDir(t *testing.T) {
	_, err := execute(t, "publish", "docs-bucket", "-d", filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestPublishFlagsOverrideConfig(t *testing.T) {
	cmd := newPublishCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"-d", "out",
		"-b", "master",
		"-c", "E123",
		"--exclude", "*.map",
		"-n",
		"--aws-debug",
	}))

	cfg := config.Default().Publish
	cfg.Bucket = "from-file"
	cfg.Region = "us-west-2"
	cfg.Exclude = []string{"drafts/**"}

	f := flagsOf(t, cmd)
	f.apply(cmd, []string{"docs-bucket"}, &cfg)

	assert.Equal(t, "docs-bucket", cfg.Bucket)
	assert.Equal(t, "out", cfg.BuildDir)
	assert.Equal(t, "master", cfg.Branch)
	assert.Equal(t, "us-west-2", cfg.Region)
	assert.Equal(t, "E123", cfg.CloudFront)
	assert.Equal(t, []string{"drafts/**", "*.map"}, cfg.Exclude)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.AWSDebug)
	assert.False(t, cfg.Force)
}

// flagsOf reads the parsed flag values back from the command.
func flagsOf(t *testing.T, cmd *cobra.Command) *publishFlags {
	t.Helper()
	flags := cmd.Flags()
	var f publishFlags
	var err error
	f.buildDir, err = flags.GetString("builddir")
	require.NoError(t, err)
	f.branch, _ = flags.GetString("branch")
	f.region, _ = flags.GetString("region")
	f.cloudfront, _ = flags.GetString("cloudfront")
	f.redirectsKVS, _ = flags.GetString("redirects-kvs")
	f.exclude, _ = flags.GetStringArray("exclude")
	f.force, _ = flags.GetBool("force")
	f.dryRun, _ = flags.GetBool("dry-run")
	f.awsDebug, _ = flags.GetBool("aws-debug")
	return &f
}

func TestIndexDryRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "master", "C"), 0o755))

	out, err := execute(t, "index", "-d", dir, "-b", "master", "-n")
	require.NoError(t, err)
	assert.Contains(t, out, `href="C/index.html"`)
	assert.NoFileExists(t, filepath.Join(dir, "master", "index.html"))
}

func TestIndexRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "C"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), nil, 0o644))

	_, err := execute(t, "index", "-d", dir)
	require.ErrorIs(t, err, index.ErrExists)

	_, err = execute(t, "index", "-d", dir, "-f")
	require.NoError(t, err)
}

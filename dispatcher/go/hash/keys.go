package hash

import (
	"pixi.build/dispatcher/go/pixitypes"
	"pixi.build/dispatcher/go/variant"
)

// SourceMetadataKey computes the C1 cache key for a source-metadata request:
// H(channel_urls, build_environment, variants, enabled_protocols) (§3, §4.5).
func SourceMetadataKey(channelURLs []string, env pixitypes.BuildEnvironment, v variant.Variant, enabledProtocols []string) string {
	b := New()
	b.WriteStringSlice("channel_urls", channelURLs)
	writeBuildEnvironment(b, env)
	b.WriteVariant("variants", v)
	b.WriteStringSlice("enabled_protocols", enabledProtocols)
	return b.String()
}

// BuildInput computes the C1 cache key for a source-build request:
// H(channel_urls, name, version, build, subdir, build_environment) (§3, §4.6).
func BuildInput(channelURLs []string, name, version, build, subdir string, env pixitypes.BuildEnvironment) string {
	b := New()
	b.WriteStringSlice("channel_urls", channelURLs)
	b.WriteString("name", name)
	b.WriteString("version", version)
	b.WriteString("build", build)
	b.WriteString("subdir", subdir)
	writeBuildEnvironment(b, env)
	return b.String()
}

func writeBuildEnvironment(b *Builder, env pixitypes.BuildEnvironment) {
	b.WriteString("host_platform", env.HostPlatform)
	b.WriteStringSet("host_virtual_packages", env.HostVirtualPackages)
	b.WriteString("build_platform", env.BuildPlatform)
	b.WriteStringSet("build_virtual_packages", env.BuildVirtualPackages)
}

// ShortHash returns a short, filesystem-safe digest of s, used for the
// top-level git checkout cache directory name (cache/git/<short_hash(url)>/).
func ShortHash(s string) string {
	b := New().WriteString("v", s)
	full := b.String()
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

// Package registry is the OCI registry collaborator spec.md §6 describes
// at the interface level, made concrete: parsing an image reference,
// fetching its manifest over HTTPS (with registry auth handled by
// go-containerregistry's keychain), and projecting its image config down
// to the entrypoint/cmd/env/workdir fields a sandbox payload needs.
// Layer extraction into the content-addressed cache lives in storage.go.
package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ImageRef is a parsed image reference: repository, tag, and (if the
// caller pinned one) digest.
type ImageRef struct {
	Repository string
	Tag        string
	Digest     string
}

func (r ImageRef) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s@%s", r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s:%s", r.Repository, r.Tag)
}

// Resolve parses a "docker.io/library/alpine:3.19"-style reference,
// applying the same library/ and :latest defaulting name.ParseReference
// itself does.
func Resolve(ref string) (ImageRef, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return ImageRef{}, fmt.Errorf("registry: parse reference %q: %w", ref, err)
	}
	out := ImageRef{Repository: r.Context().RepositoryStr(), Tag: "latest"}
	switch t := r.(type) {
	case name.Tag:
		out.Tag = t.TagStr()
	case name.Digest:
		out.Digest = t.DigestStr()
	}
	return out, nil
}

// Manifest fetches ref's image manifest and layers from its registry,
// authenticating through the default keychain (docker config.json,
// credential helpers, or the ambient cloud-provider credential chains
// go-containerregistry's authn package already knows how to probe).
func Manifest(ctx context.Context, ref string) (v1.Image, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("registry: parse reference %q: %w", ref, err)
	}
	img, err := remote.Image(r, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("registry: fetch manifest for %q: %w", ref, err)
	}
	return img, nil
}

// ImageConfig is the projection of the full OCI image config this
// runtime actually consumes, per spec.md §6: "the core treats responses
// as opaque except for the layer digest list and the runtime config
// (entrypoint, cmd, env, working dir)".
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
}

// Config reads img's config file and projects it down to ImageConfig.
func Config(img v1.Image) (ImageConfig, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return ImageConfig{}, fmt.Errorf("registry: read image config: %w", err)
	}
	return ImageConfig{
		Entrypoint: append([]string(nil), cfg.Config.Entrypoint...),
		Cmd:        append([]string(nil), cfg.Config.Cmd...),
		Env:        append([]string(nil), cfg.Config.Env...),
		WorkingDir: cfg.Config.WorkingDir,
	}, nil
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"

	"github.com/relaypacks/juliapacks/internal/pkg/builder"
	"github.com/relaypacks/juliapacks/internal/pkg/config"
	"github.com/relaypacks/juliapacks/internal/pkg/planner"
	"github.com/relaypacks/juliapacks/internal/pkg/rootfs"
	"github.com/relaypacks/juliapacks/internal/pkg/sandbox"
	"github.com/relaypacks/juliapacks/internal/pkg/sourcemirror"
	"github.com/relaypacks/juliapacks/internal/pkg/store"
)

// globalFlags holds the persistent flags every sub-command shares, bound
// on the root command in root.go.
type globalFlags struct {
	dataRoot     string
	runtimePath  string
	codecPath    string
	rootfsSource string
}

// env bundles the bootstrapped components a sub-command needs. It is
// built once per invocation from globalFlags, mirroring the way
// joshrwolf-wolfictl's cli package threads a small cfg struct into each
// RunE rather than relying on package-level state.
type env struct {
	cfg     *config.Config
	mirror  *sourcemirror.Mirror
	store   *store.Store
	runtime *sandbox.Runtime
	builder *builder.Builder
	planner *planner.Planner
}

func newEnv(flags globalFlags) (*env, error) {
	cfg, err := config.New(flags.dataRoot)
	if err != nil {
		return nil, fmt.Errorf("while bootstrapping configuration: %w", err)
	}

	mirror := sourcemirror.New(cfg.MirrorDir(), config.UpstreamRemote)
	rt := sandbox.NewRuntime(flags.runtimePath, cfg.SandboxDir, cfg.SandboxDir)
	rp := rootfs.NewProvider(cfg.RootfsCacheDir())
	st := store.New(flags.codecPath, rt, rp, flags.rootfsSource)
	bld := builder.New(mirror, rt, cfg.SandboxDir, cfg.SrcCacheDir(), rp, flags.rootfsSource)

	pln := &planner.Planner{
		Mirror:  mirror,
		Store:   st,
		Builder: bld,
		Config:  cfg,
	}

	return &env{cfg: cfg, mirror: mirror, store: st, runtime: rt, builder: bld, planner: pln}, nil
}

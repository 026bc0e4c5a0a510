// Command enginectl is a small CLI exercising the engine end to end
// (SPEC_FULL.md ambient stack): put/get/dump/checkpoint against a
// single on-disk environment. It only calls the public package API
// (pagestore/bufpool/blink/engctx) and holds no engine logic of its
// own -- spec §1 places CLI tooling outside the core.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nanostore/blinkstore/blink"
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/engctx"
	"github.com/nanostore/blinkstore/pagestore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	dataDir  string
	pageSize uint32
)

func main() {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "exercise the blinkstore engine from the command line",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "directory holding the engine's files")
	root.PersistentFlags().Uint32Var(&pageSize, "page-size", 4096, "page size for a freshly created store")

	root.AddCommand(putCmd(), getCmd(), dumpCmd(), checkpointCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl:", err)
		os.Exit(1)
	}
}

// openEnv wires one engctx.Env, one file-backed Pool, and the single
// named B-tree this CLI operates on -- the same three collaborators
// any real caller of the core packages would construct by hand.
func openEnv() (*engctx.Env, *bufpool.Pool, *blink.Tree, error) {
	cfg, err := engctx.LoadConfig("", engctx.WithPageSize(pageSize))
	if err != nil {
		return nil, nil, nil, err
	}
	env := engctx.New(cfg)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, nil, errors.Wrap(err, "enginectl: creating data dir")
	}
	id, err := loadOrCreateFileID(dataDir, pageSize)
	if err != nil {
		return nil, nil, nil, err
	}

	store := pagestore.NewFileStore(dataDir)
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        pageSize,
		NumRegions:      1,
		FramesPerRegion: 256,
		Store:           store,
		Logger:          env.Config.Logger,
	})
	mfp := pool.Open(id, filepath.Join(dataDir, hex.EncodeToString(id[:])+".db"), -1)
	tree, err := blink.Open(pool, mfp, pageSize)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "enginectl: opening tree")
	}
	return env, pool, tree, nil
}

// loadOrCreateFileID gives this CLI a stable fileid across separate
// process invocations against the same data-dir -- pagestore.NewFileID
// mints a fresh one every call, so one is minted once and cached
// alongside the store (spec §3's fileid is otherwise an in-process-only
// identity).
func loadOrCreateFileID(dir string, pageSize uint32) (pagestore.FileID, error) {
	var id pagestore.FileID
	idPath := filepath.Join(dir, "FILEID")
	raw, err := os.ReadFile(idPath)
	if err == nil && len(raw) == len(id) {
		copy(id[:], raw)
		return id, nil
	}
	id = pagestore.NewFileID(pageSize)
	if err := os.WriteFile(idPath, id[:], 0o600); err != nil {
		return id, errors.Wrap(err, "enginectl: writing fileid")
	}
	return id, nil
}

func closeEnv(env *engctx.Env, pool *bufpool.Pool, tree *blink.Tree) error {
	if err := env.CheckPanic(); err != nil {
		return err
	}
	return tree.Close()
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, pool, tree, err := openEnv()
			if err != nil {
				return err
			}
			if err := tree.InsertKey([]byte(args[0]), 0, []byte(args[1]), pagestore.Unique); err != nil {
				return errors.Wrap(err, "enginectl: put")
			}
			return closeEnv(env, pool, tree)
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, pool, tree, err := openEnv()
			if err != nil {
				return err
			}
			val, err := tree.FindKey([]byte(args[0]))
			if err != nil {
				closeEnv(env, pool, tree)
				return errors.Wrap(err, "enginectl: get")
			}
			fmt.Println(string(val))
			return closeEnv(env, pool, tree)
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "print every key/value pair in ascending key order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, pool, tree, err := openEnv()
			if err != nil {
				return err
			}
			entries, err := tree.RangeScan(nil, nil)
			if err != nil {
				closeEnv(env, pool, tree)
				return errors.Wrap(err, "enginectl: dump")
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\n", e.Key, e.Value)
			}
			return closeEnv(env, pool, tree)
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "force every dirty page to the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, pool, tree, err := openEnv()
			if err != nil {
				return err
			}
			if err := pool.Sync(0); err != nil {
				closeEnv(env, pool, tree)
				return errors.Wrap(err, "enginectl: checkpoint")
			}
			return closeEnv(env, pool, tree)
		},
	}
}

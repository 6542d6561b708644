// Package state persists local node, credential and project descriptors
// under a root directory so that command line tools can find running nodes.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the state root directory.
const HomeEnv = "NODEROUTE_HOME"

const defaultHomeDir = ".noderoute"

// State is the root of the persisted state.
type State struct {
	root string

	Nodes       *Dir[NodeConfig]
	Credentials *Dir[CredentialConfig]
	Projects    *Dir[ProjectConfig]
}

// DefaultRoot returns $NODEROUTE_HOME, or ~/.noderoute when unset.
func DefaultRoot() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultHomeDir), nil
}

// Open opens the state rooted at root, creating missing directories. An
// empty root selects DefaultRoot.
func Open(root string) (*State, error) {
	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return nil, err
		}
	}

	s := &State{root: root}
	var err error
	if s.Nodes, err = newDir[NodeConfig](filepath.Join(root, "nodes"), ErrNoSuchNode); err != nil {
		return nil, err
	}
	if s.Credentials, err = newDir[CredentialConfig](filepath.Join(root, "credentials"), nil); err != nil {
		return nil, err
	}
	if s.Projects, err = newDir[ProjectConfig](filepath.Join(root, "projects"), nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the state root directory.
func (s *State) Root() string {
	return s.root
}

// Node returns the named node descriptor or ErrNoSuchNode.
func (s *State) Node(name string) (NodeConfig, error) {
	item, err := s.Nodes.Get(name)
	if err != nil {
		return NodeConfig{}, err
	}
	cfg := item.Config
	if cfg.Name == "" {
		cfg.Name = item.Name
	}
	return cfg, nil
}

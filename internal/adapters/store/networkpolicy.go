package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const (
	ipv4Any = "0.0.0.0/0"
	ipv6Any = "::/0"

	defaultApplyTimeout = 30 * time.Second
)

var ErrInvalidManifest = errors.New("invalid network policy manifest")

type networkPolicy struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   policyMetadata `yaml:"metadata"`
	Spec       policySpec     `yaml:"spec"`
}

type policyMetadata struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

type policySpec struct {
	PodSelector map[string]interface{} `yaml:"podSelector"`
	PolicyTypes []string               `yaml:"policyTypes"`
	Ingress     []ingressRule          `yaml:"ingress"`
}

type ingressRule struct {
	From []policyPeer `yaml:"from"`
}

type policyPeer struct {
	IPBlock *ipBlock `yaml:"ipBlock,omitempty"`
}

type ipBlock struct {
	CIDR   string   `yaml:"cidr"`
	Except []string `yaml:"except,omitempty"`
}

// NetworkPolicyConfig configures NetworkPolicyStore.
type NetworkPolicyConfig struct {
	Path      string
	Name      string
	Namespace string

	// ApplyCommand runs after every write, e.g. "kubectl apply -f {path}".
	// A failing command restores the previous manifest.
	ApplyCommand string
	ApplyTimeout time.Duration
}

// NetworkPolicyStore renders the ban set as a Kubernetes NetworkPolicy that
// admits all ingress except the banned blocks.
type NetworkPolicyStore struct {
	cfg   NetworkPolicyConfig
	apply []string
	file  *FileStore
	mu    sync.Mutex
}

func NewNetworkPolicyStore(cfg NetworkPolicyConfig) (*NetworkPolicyStore, error) {
	if cfg.Name == "" {
		cfg.Name = "rangeban-deny"
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}

	s := &NetworkPolicyStore{cfg: cfg, file: NewFileStore(cfg.Path)}
	if strings.TrimSpace(cfg.ApplyCommand) != "" {
		args, err := shlex.Split(cfg.ApplyCommand)
		if err != nil {
			return nil, fmt.Errorf("parse apply command: %w", err)
		}
		s.apply = args
	}
	return s, nil
}

func (s *NetworkPolicyStore) Get(ctx context.Context) ([]domain.BanEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read network policy: %w", err)
	}
	return ParseNetworkPolicy(data)
}

func (s *NetworkPolicyStore) Set(ctx context.Context, entries []domain.BanEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := RenderNetworkPolicy(s.cfg.Name, s.cfg.Namespace, entries)
	if err != nil {
		return err
	}

	previous, err := os.ReadFile(s.cfg.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read network policy: %w", err)
	}

	if err := s.writeManifest(manifest); err != nil {
		return err
	}
	if len(s.apply) == 0 {
		return nil
	}

	if err := s.runApply(ctx); err != nil {
		if previous != nil {
			if rerr := s.writeManifest(previous); rerr != nil {
				log.Error().Err(rerr).Str("file", s.cfg.Path).Msg("Failed to restore previous network policy")
			}
		} else if rerr := os.Remove(s.cfg.Path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Error().Err(rerr).Str("file", s.cfg.Path).Msg("Failed to remove unapplied network policy")
		}
		return err
	}
	return nil
}

func (s *NetworkPolicyStore) writeManifest(data []byte) error {
	return s.file.writeRaw(data)
}

func (s *NetworkPolicyStore) runApply(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ApplyTimeout)
	defer cancel()

	args := make([]string, len(s.apply))
	for i, a := range s.apply {
		args[i] = strings.ReplaceAll(a, "{path}", s.cfg.Path)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apply network policy: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	log.Info().Str("command", args[0]).Str("file", s.cfg.Path).Msg("Applied network policy")
	return nil
}

// RenderNetworkPolicy builds the manifest for entries. IPv4 and IPv6
// entries go to separate ipBlock peers since an except list must match the
// family of its cidr.
func RenderNetworkPolicy(name, namespace string, entries []domain.BanEntry) ([]byte, error) {
	var v4, v6 []string
	for _, e := range domain.SortedEntries(entries) {
		if e.Prefix.Bits() == 0 {
			continue
		}
		if e.Prefix.Addr().Is4() {
			v4 = append(v4, e.String())
		} else {
			v6 = append(v6, e.String())
		}
	}

	policy := networkPolicy{
		APIVersion: "networking.k8s.io/v1",
		Kind:       "NetworkPolicy",
		Metadata: policyMetadata{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "rangeban"},
		},
		Spec: policySpec{
			PodSelector: map[string]interface{}{},
			PolicyTypes: []string{"Ingress"},
			Ingress: []ingressRule{{
				From: []policyPeer{
					{IPBlock: &ipBlock{CIDR: ipv4Any, Except: v4}},
					{IPBlock: &ipBlock{CIDR: ipv6Any, Except: v6}},
				},
			}},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(policy); err != nil {
		return nil, fmt.Errorf("encode network policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode network policy: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseNetworkPolicy returns the except entries of every ipBlock peer.
func ParseNetworkPolicy(data []byte) ([]domain.BanEntry, error) {
	var policy networkPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if policy.Kind != "" && policy.Kind != "NetworkPolicy" {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidManifest, policy.Kind)
	}

	set := domain.NewBanSet()
	for _, rule := range policy.Spec.Ingress {
		for _, peer := range rule.From {
			if peer.IPBlock == nil {
				continue
			}
			for _, ex := range peer.IPBlock.Except {
				e, err := domain.ParseBanEntry(ex)
				if err != nil {
					log.Warn().Str("except", ex).Msg("Skipping invalid except entry in network policy")
					continue
				}
				set.Add(e)
			}
		}
	}
	return set.Sorted(), nil
}

package commit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/telemetry"
)

const (
	PolicyMetastore   = "metastore"
	PolicySuccessFile = "success-file"

	DefaultSuccessFileName = "_SUCCESS"
)

// PolicyContext describes a partition whose files have just become visible.
type PolicyContext struct {
	Spec          partition.Spec
	PartitionPath string
	Files         []partition.FileEntry
	CheckpointID  uint64
}

// Policy is an action run when a partition is committed. Policies must be
// safe to run again for a partition that was already committed.
type Policy interface {
	Kind() string
	Commit(ctx context.Context, pc PolicyContext) error
}

// SuccessFilePolicy writes an empty marker file into the partition directory.
type SuccessFilePolicy struct {
	Location locations.StorageLocation
	FileName string
}

func (p SuccessFilePolicy) Kind() string { return PolicySuccessFile }

func (p SuccessFilePolicy) Commit(ctx context.Context, pc PolicyContext) error {
	marker := path.Join(pc.PartitionPath, p.FileName)
	exists, err := locations.Exists(p.Location, marker)
	if err != nil {
		return fmt.Errorf("check success file %s: %w", marker, err)
	}
	// Keep the first marker so its timestamp reflects the first commit.
	if exists {
		return nil
	}
	if _, err := p.Location.Write(marker, bytes.NewReader(nil)); err != nil {
		return fmt.Errorf("write success file %s: %w", marker, err)
	}
	return nil
}

// MetastorePolicy registers the partition and its location in a catalog.
type MetastorePolicy struct {
	Catalog       catalog.Catalog
	Table         catalog.TableIdentifier
	TableLocation string
}

func (p MetastorePolicy) Kind() string { return PolicyMetastore }

func (p MetastorePolicy) Commit(ctx context.Context, pc PolicyContext) error {
	location := strings.TrimSuffix(p.TableLocation, "/") + "/" + pc.PartitionPath
	return catalog.Upsert(ctx, p.Catalog, p.Table, pc.Spec, location)
}

// Chain runs policies in order and stops at the first failure.
type Chain struct {
	table    string
	policies []Policy
}

// ChainDeps holds what the configured policy kinds may need.
type ChainDeps struct {
	Table           catalog.TableIdentifier
	TableLocation   string
	Location        locations.StorageLocation
	Catalog         catalog.Catalog
	SuccessFileName string
}

// NewChain builds the policies named by kinds, in order.
func NewChain(kinds []string, deps ChainDeps) (*Chain, error) {
	if deps.SuccessFileName == "" {
		deps.SuccessFileName = DefaultSuccessFileName
	}

	var errs []error
	var policies []Policy
	for i, kind := range kinds {
		if slices.Contains(kinds[:i], kind) {
			errs = append(errs, fmt.Errorf("commit policy %q listed more than once", kind))
			continue
		}
		switch kind {
		case PolicySuccessFile:
			if deps.Location == nil {
				errs = append(errs, errors.New("success-file policy requires a storage location"))
				continue
			}
			policies = append(policies, SuccessFilePolicy{Location: deps.Location, FileName: deps.SuccessFileName})
		case PolicyMetastore:
			if deps.Catalog == nil {
				errs = append(errs, errors.New("metastore policy requires a catalog"))
				continue
			}
			policies = append(policies, MetastorePolicy{
				Catalog:       deps.Catalog,
				Table:         deps.Table,
				TableLocation: deps.TableLocation,
			})
		default:
			errs = append(errs, fmt.Errorf("unknown commit policy %q", kind))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Chain{table: deps.Table.String(), policies: policies}, nil
}

// NewChainOf wraps already constructed policies.
func NewChainOf(table string, policies ...Policy) *Chain {
	return &Chain{table: table, policies: policies}
}

func (c *Chain) Commit(ctx context.Context, pc PolicyContext) error {
	for _, p := range c.policies {
		telemetry.CommitAttempts.WithLabelValues(c.table, p.Kind()).Inc()
		if err := p.Commit(ctx, pc); err != nil {
			telemetry.CommitFailures.WithLabelValues(c.table, p.Kind()).Inc()
			return fmt.Errorf("%s policy for %s: %w", p.Kind(), pc.Spec, err)
		}
	}
	return nil
}

func (c *Chain) Kinds() []string {
	kinds := make([]string, len(c.policies))
	for i, p := range c.policies {
		kinds[i] = p.Kind()
	}
	return kinds
}

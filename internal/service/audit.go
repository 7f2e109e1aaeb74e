package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/models"
)

// Audit log topics.
const (
	TopicACLUpdate         = "acl.update"
	TopicOwnerUpdate       = "owner.update"
	TopicStatusUpdate      = "package.update.status"
	TopicListingNew        = "package.branch.new"
	TopicBranchStart       = "branch.start"
	TopicBranchComplete    = "branch.complete"
	TopicBranchRequest     = "package.branch.request"
	TopicNewPackageRequest = "package.new.request"
	TopicUnretireRequest   = "package.unretire.request"
	TopicActionUpdate      = "admin.action.status.update"
	TopicPackageNew        = "package.new"
	TopicPackageUpdate     = "package.update"
	TopicCritpathUpdate    = "package.critpath.update"
	TopicMonitorUpdate     = "package.monitor.update"
	TopicKoscheiUpdate     = "package.koschei.update"
	TopicNamespaceNew      = "namespace.new"
	TopicNamespaceDrop     = "namespace.drop"
	TopicCollectionNew     = "collection.new"
	TopicCollectionUpdate  = "collection.update"
)

// record appends an audit entry inside the caller's transaction.
func (s *Service) record(ctx context.Context, st database.Store, user string, pkg *models.Package, topic, description string, payload map[string]any) error {
	entry := &models.LogEntry{
		User:        user,
		Topic:       topic,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if pkg != nil {
		id := pkg.ID
		entry.PackageID = &id
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", topic, err)
		}
		entry.Payload = data
	}
	if err := st.CreateLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("write %s log entry: %w", topic, err)
	}
	return nil
}

// SearchLogs queries the audit log.
func (s *Service) SearchLogs(ctx context.Context, filter database.LogFilter) ([]models.LogEntry, error) {
	return s.db.ListLogEntries(ctx, filter)
}

// Package temporal holds the workflow contracts shared between the API
// server, the sync worker and the external processing service.
package temporal

import (
	"fmt"

	"github.com/instill-ai/drivesync-backend/pkg/types"
)

const (
	// TaskQueue is the Temporal task queue name for sync workflows
	TaskQueue = "drivesync-backend"

	// SyncKnowledgeBaseWorkflow is the registered name of the manual sync
	// workflow.
	SyncKnowledgeBaseWorkflow = "SyncKnowledgeBaseWorkflow"
	// RunSyncPassActivity is the registered name of the activity running one
	// sync pass.
	RunSyncPassActivity = "RunSyncPassActivity"

	// DefaultProcessFileWorkflow is the workflow of the knowledge store that
	// converts, chunks and embeds a file.
	DefaultProcessFileWorkflow = "ProcessFileWorkflow"
	// DefaultProcessFileTaskQueue is the task queue the knowledge store
	// listens on.
	DefaultProcessFileTaskQueue = "artifact-backend"
)

// SyncKnowledgeBaseWorkflowParam contains parameters for the manual sync
// workflow
type SyncKnowledgeBaseWorkflowParam struct {
	KBUID types.KBUIDType
}

// SyncWorkflowID returns the workflow ID of a knowledge base's manual sync.
// A single ID per knowledge base keeps manual triggers from piling up.
func SyncWorkflowID(kbUID types.KBUIDType) string {
	return fmt.Sprintf("sync-kb-%s", kbUID)
}

// ProcessFileWorkflowParam contains parameters for the file processing
// workflow of the knowledge store
type ProcessFileWorkflowParam struct {
	FileUIDs    []types.FileUIDType // File unique identifiers (supports batch processing)
	KBUID       types.KBUIDType     // Knowledge base unique identifier
	Bucket      string              // Bucket holding the content
	ContentPath string              // Object path of the content
	MimeType    string
}

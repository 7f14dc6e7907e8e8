// Package acl validates and applies the sharing of knowledge bases with
// groups. Tuples live in OpenFGA; the group_share table mirrors the ones
// this service writes.
package acl

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	openfga "github.com/openfga/api/proto/openfga/v1"

	"github.com/instill-ai/drivesync-backend/config"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	aclx "github.com/instill-ai/x/acl"
)

const (
	// ObjectTypeKnowledgeBase is the OpenFGA type of knowledge bases.
	ObjectTypeKnowledgeBase = "knowledgebase"
	// ObjectTypeGroup is the OpenFGA type of groups.
	ObjectTypeGroup = "group"
	// ObjectTypeUser is the OpenFGA type of users.
	ObjectTypeUser = "user"

	relationMember = "member"
	readPageSize   = 100
)

// Tuple is a relationship between a user and an object.
type Tuple struct {
	User     string
	Relation string
	Object   string
}

// TupleStore reads group memberships and grants roles on knowledge bases.
// A user holds at most one role on a knowledge base.
type TupleStore interface {
	// ReadTuples returns the tuples on an object, optionally filtered by
	// relation.
	ReadTuples(ctx context.Context, object, relation string) ([]Tuple, error)
	// SetKnowledgeBasePermission replaces the role of a user on a knowledge
	// base.
	SetKnowledgeBasePermission(ctx context.Context, kbUID types.KBUIDType, user string, role types.ShareRole) error
	// DeleteKnowledgeBasePermission removes every role of a user on a
	// knowledge base.
	DeleteKnowledgeBasePermission(ctx context.Context, kbUID types.KBUIDType, user string) error
}

// KnowledgeBaseObject returns the OpenFGA object of a knowledge base.
func KnowledgeBaseObject(kbUID fmt.Stringer) string {
	return ObjectTypeKnowledgeBase + ":" + kbUID.String()
}

// GroupObject returns the OpenFGA object of a group.
func GroupObject(groupID string) string {
	return ObjectTypeGroup + ":" + groupID
}

// GroupMembers returns the userset of a group's members.
func GroupMembers(groupID string) string {
	return GroupObject(groupID) + "#" + relationMember
}

// ACLClient wraps the shared ACL client and adds the reads group expansion
// needs.
type ACLClient struct {
	*aclx.ACLClient
	reader openfga.OpenFGAServiceClient
}

// NewACLClient creates a new ACL client using the shared library. The store
// and authorization model are discovered from the server.
func NewACLClient(wc openfga.OpenFGAServiceClient, rc openfga.OpenFGAServiceClient, redisClient *redis.Client) *ACLClient {
	cfg := aclx.Config{
		Host: config.Config.OpenFGA.Host,
		Port: config.Config.OpenFGA.Port,
		Replica: aclx.ReplicaConfig{
			Host:                 config.Config.OpenFGA.Replica.Host,
			Port:                 config.Config.OpenFGA.Replica.Port,
			ReplicationTimeFrame: config.Config.OpenFGA.Replica.ReplicationTimeFrame,
		},
		Cache: aclx.CacheConfig{
			Enabled: config.Config.OpenFGA.Cache.Enabled,
			TTL:     config.Config.OpenFGA.Cache.TTL,
		},
	}

	if rc == nil {
		rc = wc
	}
	return &ACLClient{
		ACLClient: aclx.NewClient(wc, rc, redisClient, cfg),
		reader:    rc,
	}
}

// InitOpenFGAClient initializes gRPC connections to OpenFGA server.
func InitOpenFGAClient(ctx context.Context, host string, port int) (openfga.OpenFGAServiceClient, *grpc.ClientConn) {
	return aclx.InitOpenFGAClient(ctx, host, port, config.Config.Server.MaxDataSize)
}

// SetKnowledgeBasePermission sets the role of a user on a knowledge base.
// Any previous role is deleted first, so granting the same role twice
// succeeds.
func (c *ACLClient) SetKnowledgeBasePermission(ctx context.Context, kbUID types.KBUIDType, user string, role types.ShareRole) error {
	if err := c.SetResourcePermission(ctx, ObjectTypeKnowledgeBase, uuid.UUID(kbUID), user, string(role), true); err != nil {
		return fmt.Errorf("granting %s on knowledge base %s to %s: %w", role, kbUID, user, err)
	}
	return nil
}

// DeleteKnowledgeBasePermission deletes all permissions for a user on a
// knowledge base.
func (c *ACLClient) DeleteKnowledgeBasePermission(ctx context.Context, kbUID types.KBUIDType, user string) error {
	if err := c.DeleteResourcePermission(ctx, ObjectTypeKnowledgeBase, uuid.UUID(kbUID), user); err != nil {
		return fmt.Errorf("revoking knowledge base %s from %s: %w", kbUID, user, err)
	}
	return nil
}

// ReadTuples pages through the tuples on an object.
func (c *ACLClient) ReadTuples(ctx context.Context, object, relation string) ([]Tuple, error) {
	var tuples []Tuple
	token := ""
	for {
		resp, err := c.reader.Read(ctx, &openfga.ReadRequest{
			StoreId: c.GetStoreID(),
			TupleKey: &openfga.ReadRequestTupleKey{
				Relation: relation,
				Object:   object,
			},
			PageSize:          wrapperspb.Int32(readPageSize),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("reading tuples of %s: %w", object, err)
		}
		for _, t := range resp.GetTuples() {
			k := t.GetKey()
			tuples = append(tuples, Tuple{User: k.GetUser(), Relation: k.GetRelation(), Object: k.GetObject()})
		}
		token = resp.GetContinuationToken()
		if token == "" {
			return tuples, nil
		}
	}
}

// parseUser extracts the user ID of a "user:<uid>" reference.
func parseUser(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, ObjectTypeUser+":")
	if !ok || id == "" || id == "*" {
		return "", false
	}
	return id, true
}

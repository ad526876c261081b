// Package jobs implements the Consensus-Session (C1), Access-Job (C2) and
// Unknown-Sessions-Job (C3) building blocks every higher-level session is
// built from: establishing that every participant agrees on which nodes are
// authorized to run a share change, then (optionally) gathering whatever
// per-node inventory the calling session needs before it can schedule work.
package jobs

import (
	"github.com/vbaranov/parity/node"
	"github.com/vbaranov/parity/share"
	"github.com/vbaranov/parity/sscerr"
)

// AccessJob verifies that the OLD/NEW node sets a master proposes were
// actually authorized by an administrator, by checking SigOld/SigNew
// against the ordered-nodes hash of each set. On a slave it additionally
// requires the proposed NEW set to be a subset of the slave's own view of
// ALL_NODES — disagreement here means the cluster's membership view has
// diverged and the request must be rejected.
type AccessJob struct {
	isMaster    bool
	adminPublic []byte // uncompressed public key bytes, as produced by crypto.FromECDSAPub

	oldSet node.Set
	newSet node.Set
	sigOld share.Signature
	sigNew share.Signature
}

// NewAccessOnMaster builds the job a session master holds: it already knows
// the proposed sets and their signatures, since it built or received them
// from the administrator directly.
func NewAccessOnMaster(adminPublic []byte, oldSet, newSet node.Set, sigOld, sigNew share.Signature) *AccessJob {
	return &AccessJob{
		isMaster: true, adminPublic: adminPublic,
		oldSet: oldSet, newSet: newSet, sigOld: sigOld, sigNew: sigNew,
	}
}

// NewAccessOnSlave builds the job a slave holds before it has seen the
// master's proposal; CheckAccess fills in OldSet/NewSet once a request arrives.
func NewAccessOnSlave(adminPublic []byte) *AccessJob {
	return &AccessJob{isMaster: false, adminPublic: adminPublic}
}

// CheckAccess verifies that oldSet/newSet were authorized by the
// administrator holding adminPublic, and (for slaves) that newSet is a
// subset of the slave's own allNodes. It records oldSet/newSet on success
// so OldSet/NewSet reflect what was actually verified.
func (j *AccessJob) CheckAccess(oldSet, newSet node.Set, sigOld, sigNew share.Signature, allNodes node.Set) error {
	oldHash := node.OrderedHash(oldSet)
	if !share.Verify(j.adminPublic, oldHash, sigOld) {
		return sscerr.New(sscerr.AccessDenied, nil)
	}
	newHash := node.OrderedHash(newSet)
	if !share.Verify(j.adminPublic, newHash, sigNew) {
		return sscerr.New(sscerr.AccessDenied, nil)
	}
	if !j.isMaster {
		if len(newSet.Without(allNodes)) != 0 {
			return sscerr.New(sscerr.InvalidNodesConfiguration, nil)
		}
	}
	j.oldSet, j.newSet, j.sigOld, j.sigNew = oldSet, newSet, sigOld, sigNew
	return nil
}

// OldSet returns the OLD node set this job has established (empty until a
// slave's CheckAccess has succeeded, or always populated on a master).
func (j *AccessJob) OldSet() node.Set { return j.oldSet }

// NewSet returns the NEW node set this job has established.
func (j *AccessJob) NewSet() node.Set { return j.newSet }

// SigOld returns the administrator's signature over OldSet's ordered hash.
func (j *AccessJob) SigOld() share.Signature { return j.sigOld }

// SigNew returns the administrator's signature over NewSet's ordered hash.
func (j *AccessJob) SigNew() share.Signature { return j.sigNew }

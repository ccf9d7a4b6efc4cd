package wire

// RequestVote is a candidate's solicitation for a peer's vote.
type RequestVote struct {
	Term            uint64
	CandidateID     uint64
	HighestTerm     uint64
	HighestPosition uint64
}

func (m RequestVote) Encode() []byte {
	var e encoder
	e.u64(m.Term)
	e.u64(m.CandidateID)
	e.u64(m.HighestTerm)
	e.u64(m.HighestPosition)
	return e.buf
}

func DecodeRequestVote(buf []byte) (RequestVote, error) {
	d := newDecoder(buf)
	m := RequestVote{Term: d.u64(), CandidateID: d.u64(), HighestTerm: d.u64(), HighestPosition: d.u64()}
	return m, d.err
}

// RequestVoteReply packs the term and grant bit into a single
// "term-with-grant-bit" field per spec, recovered as a typed pair here.
type RequestVoteReply struct {
	Term    uint64
	Granted bool
}

func (m RequestVoteReply) Encode() []byte {
	var e encoder
	v := m.Term << 1
	if m.Granted {
		v |= 1
	}
	e.u64(v)
	return e.buf
}

func DecodeRequestVoteReply(buf []byte) (RequestVoteReply, error) {
	d := newDecoder(buf)
	v := d.u64()
	return RequestVoteReply{Term: v >> 1, Granted: v&1 != 0}, d.err
}

// QueryTerms asks a peer to describe the term boundaries covering
// [Start, End).
type QueryTerms struct {
	Start uint64
	End   uint64
}

func (m QueryTerms) Encode() []byte {
	var e encoder
	e.u64(m.Start)
	e.u64(m.End)
	return e.buf
}

func DecodeQueryTerms(buf []byte) (QueryTerms, error) {
	d := newDecoder(buf)
	m := QueryTerms{Start: d.u64(), End: d.u64()}
	return m, d.err
}

// TermEntry is one (prev-term, term, start-position) tuple in a
// query-terms reply.
type TermEntry struct {
	PrevTerm      uint64
	Term          uint64
	StartPosition uint64
}

type QueryTermsReply struct {
	Entries []TermEntry
}

func (m QueryTermsReply) Encode() []byte {
	var e encoder
	e.u32(uint32(len(m.Entries)))
	for _, t := range m.Entries {
		e.u64(t.PrevTerm)
		e.u64(t.Term)
		e.u64(t.StartPosition)
	}
	return e.buf
}

func DecodeQueryTermsReply(buf []byte) (QueryTermsReply, error) {
	d := newDecoder(buf)
	n := d.u32()
	m := QueryTermsReply{Entries: make([]TermEntry, 0, n)}
	for i := uint32(0); i < n && d.err == nil; i++ {
		m.Entries = append(m.Entries, TermEntry{PrevTerm: d.u64(), Term: d.u64(), StartPosition: d.u64()})
	}
	return m, d.err
}

// QueryData asks a peer to stream the byte range [Start, End).
type QueryData struct {
	Start uint64
	End   uint64
}

func (m QueryData) Encode() []byte {
	var e encoder
	e.u64(m.Start)
	e.u64(m.End)
	return e.buf
}

func DecodeQueryData(buf []byte) (QueryData, error) {
	d := newDecoder(buf)
	m := QueryData{Start: d.u64(), End: d.u64()}
	return m, d.err
}

// DataChunk is one (prev-term, term, position, bytes) entry in a
// query-data reply.
type DataChunk struct {
	PrevTerm uint64
	Term     uint64
	Position uint64
	Bytes    []byte
}

type QueryDataReply struct {
	Chunks []DataChunk
}

func (m QueryDataReply) Encode() []byte {
	var e encoder
	e.u32(uint32(len(m.Chunks)))
	for _, c := range m.Chunks {
		e.u64(c.PrevTerm)
		e.u64(c.Term)
		e.u64(c.Position)
		e.bytes(c.Bytes)
	}
	return e.buf
}

func DecodeQueryDataReply(buf []byte) (QueryDataReply, error) {
	d := newDecoder(buf)
	n := d.u32()
	m := QueryDataReply{Chunks: make([]DataChunk, 0, n)}
	for i := uint32(0); i < n && d.err == nil; i++ {
		m.Chunks = append(m.Chunks, DataChunk{PrevTerm: d.u64(), Term: d.u64(), Position: d.u64(), Bytes: d.bytes()})
	}
	return m, d.err
}

// WriteData is the leader's replication append, also used empty as a
// heartbeat / leadership affirmation.
type WriteData struct {
	PrevTerm    uint64
	Term        uint64
	Index       uint64
	HighestIdx  uint64
	CommitIndex uint64
	Bytes       []byte
}

func (m WriteData) Encode() []byte {
	var e encoder
	e.u64(m.PrevTerm)
	e.u64(m.Term)
	e.u64(m.Index)
	e.u64(m.HighestIdx)
	e.u64(m.CommitIndex)
	e.bytes(m.Bytes)
	return e.buf
}

func DecodeWriteData(buf []byte) (WriteData, error) {
	d := newDecoder(buf)
	m := WriteData{PrevTerm: d.u64(), Term: d.u64(), Index: d.u64(), HighestIdx: d.u64(), CommitIndex: d.u64(), Bytes: d.bytes()}
	return m, d.err
}

type WriteDataReply struct {
	Term       uint64
	HighestIdx uint64
	Accepted   bool
}

func (m WriteDataReply) Encode() []byte {
	var e encoder
	e.u64(m.Term)
	e.u64(m.HighestIdx)
	if m.Accepted {
		e.u8(1)
	} else {
		e.u8(0)
	}
	return e.buf
}

func DecodeWriteDataReply(buf []byte) (WriteDataReply, error) {
	d := newDecoder(buf)
	m := WriteDataReply{Term: d.u64(), HighestIdx: d.u64(), Accepted: d.u8() != 0}
	return m, d.err
}

// SyncCommit forces a peer to fsync up to Index within the named term.
type SyncCommit struct {
	PrevTerm uint64
	Term     uint64
	Index    uint64
}

func (m SyncCommit) Encode() []byte {
	var e encoder
	e.u64(m.PrevTerm)
	e.u64(m.Term)
	e.u64(m.Index)
	return e.buf
}

func DecodeSyncCommit(buf []byte) (SyncCommit, error) {
	d := newDecoder(buf)
	m := SyncCommit{PrevTerm: d.u64(), Term: d.u64(), Index: d.u64()}
	return m, d.err
}

type SyncCommitReply struct {
	GroupVersion uint64
	Term         uint64
	Index        uint64
}

func (m SyncCommitReply) Encode() []byte {
	var e encoder
	e.u64(m.GroupVersion)
	e.u64(m.Term)
	e.u64(m.Index)
	return e.buf
}

func DecodeSyncCommitReply(buf []byte) (SyncCommitReply, error) {
	d := newDecoder(buf)
	m := SyncCommitReply{GroupVersion: d.u64(), Term: d.u64(), Index: d.u64()}
	return m, d.err
}

// SnapshotScoreReply is a peer's self-reported fitness to serve a
// snapshot transfer: fewer active sessions and higher weight wins.
type SnapshotScoreReply struct {
	ActiveSessions uint64
	Weight         uint64
}

func (m SnapshotScoreReply) Encode() []byte {
	var e encoder
	e.u64(m.ActiveSessions)
	e.u64(m.Weight)
	return e.buf
}

func DecodeSnapshotScoreReply(buf []byte) (SnapshotScoreReply, error) {
	d := newDecoder(buf)
	m := SnapshotScoreReply{ActiveSessions: d.u64(), Weight: d.u64()}
	return m, d.err
}

// UpdateRole proposes a membership role change, identified by the group
// version the proposer observed.
type UpdateRole struct {
	GroupVersion uint64
	MemberID     uint64
	Role         byte
}

func (m UpdateRole) Encode() []byte {
	var e encoder
	e.u64(m.GroupVersion)
	e.u64(m.MemberID)
	e.u8(m.Role)
	return e.buf
}

func DecodeUpdateRole(buf []byte) (UpdateRole, error) {
	d := newDecoder(buf)
	m := UpdateRole{GroupVersion: d.u64(), MemberID: d.u64(), Role: d.u8()}
	return m, d.err
}

type UpdateRoleReply struct {
	GroupVersion uint64
	MemberID     uint64
	Error        ErrorCode
}

func (m UpdateRoleReply) Encode() []byte {
	var e encoder
	e.u64(m.GroupVersion)
	e.u64(m.MemberID)
	e.u8(byte(m.Error))
	return e.buf
}

func DecodeUpdateRoleReply(buf []byte) (UpdateRoleReply, error) {
	d := newDecoder(buf)
	m := UpdateRoleReply{GroupVersion: d.u64(), MemberID: d.u64(), Error: ErrorCode(d.u8())}
	return m, d.err
}

type GroupVersion struct {
	Version uint64
}

func (m GroupVersion) Encode() []byte {
	var e encoder
	e.u64(m.Version)
	return e.buf
}

func DecodeGroupVersion(buf []byte) (GroupVersion, error) {
	d := newDecoder(buf)
	return GroupVersion{Version: d.u64()}, d.err
}

// Join is a prospective member's request to be admitted to the group.
type Join struct {
	Address string
}

func (m Join) Encode() []byte {
	var e encoder
	e.str(m.Address)
	return e.buf
}

func DecodeJoin(buf []byte) (Join, error) {
	d := newDecoder(buf)
	return Join{Address: d.str()}, d.err
}

// JoinReply is one of three shapes, discriminated by Kind: OpJoined
// carries the committed join position and a snapshot of the group file;
// OpAddress redirects the caller to the current leader; OpError reports
// a failure code.
type JoinReply struct {
	Kind          JoinReplyKind
	PrevTerm      uint64
	Term          uint64
	Index         uint64
	GroupFile     []byte
	LeaderAddress string
	Error         ErrorCode
}

func (m JoinReply) Encode() []byte {
	var e encoder
	e.u8(byte(m.Kind))
	switch m.Kind {
	case OpJoined:
		e.u64(m.PrevTerm)
		e.u64(m.Term)
		e.u64(m.Index)
		e.bytes(m.GroupFile)
	case OpAddress:
		e.str(m.LeaderAddress)
	case OpError:
		e.u8(byte(m.Error))
	}
	return e.buf
}

func DecodeJoinReply(buf []byte) (JoinReply, error) {
	d := newDecoder(buf)
	m := JoinReply{Kind: JoinReplyKind(d.u8())}
	switch m.Kind {
	case OpJoined:
		m.PrevTerm = d.u64()
		m.Term = d.u64()
		m.Index = d.u64()
		m.GroupFile = d.bytes()
	case OpAddress:
		m.LeaderAddress = d.str()
	case OpError:
		m.Error = ErrorCode(d.u8())
	}
	return m, d.err
}

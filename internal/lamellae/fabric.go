package lamellae

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/pgas_v1/internal/config"
)

// Fabric backend: one libp2p host per PE, one persistent ordered stream per
// destination for active-message traffic, and a request/response protocol
// that emulates RDMA against locally registered regions.

const (
	amProtocol   = "/pgas/am/1.0.0"
	rdmaProtocol = "/pgas/rdma/1.0.0"

	rdmaOpPut = byte(1)
	rdmaOpGet = byte(2)

	rdmaStatusOK  = byte(0)
	rdmaStatusErr = byte(1)
)

// persistentIdentity pins a PE's peer id across restarts so the fabric peer
// table in the config stays valid.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

func identityPath(jobID string, pe int) string {
	return fmt.Sprintf("pgas-%s-identity-pe%d.json", jobID, pe)
}

func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(persistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

type fabricTransport struct {
	cfg    config.Config
	logger *slog.Logger

	me   PE
	n    int
	host libp2phost.Host

	peers map[PE]peer.AddrInfo

	streamMu sync.Mutex
	streams  map[PE]network.Stream

	regionMu sync.RWMutex
	regions  [][]byte

	inbound   chan Delivery
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func dialFabric(cfg config.Config, logger *slog.Logger) (Transport, error) {
	priv, err := loadOrCreateIdentity(identityPath(cfg.JobID, cfg.MyPE))
	if err != nil {
		return nil, fmt.Errorf("fabric identity: %w", err)
	}

	var myAddr string
	peers := make(map[PE]peer.AddrInfo, cfg.WorldSize)
	for _, fp := range cfg.FabricPeers {
		if fp.PE == cfg.MyPE {
			myAddr = fp.Addr
			continue
		}
		maddr, err := ma.NewMultiaddr(fp.Addr)
		if err != nil {
			return nil, fmt.Errorf("fabric peer %d addr: %w", fp.PE, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("fabric peer %d addr: %w", fp.PE, err)
		}
		peers[PE(fp.PE)] = *info
	}

	opts := []libp2p.Option{libp2p.Identity(priv)}
	if myAddr != "" {
		if listen, err := listenAddrOf(myAddr); err == nil {
			opts = append(opts, libp2p.ListenAddrs(listen))
		}
	}
	host, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &fabricTransport{
		cfg:     cfg,
		logger:  logger.With("component", "lamellae.fabric", "pe", cfg.MyPE),
		me:      PE(cfg.MyPE),
		n:       cfg.WorldSize,
		host:    host,
		peers:   peers,
		streams: make(map[PE]network.Stream),
		inbound: make(chan Delivery, localInboundDepth),
		ctx:     ctx,
		cancel:  cancel,
	}

	host.SetStreamHandler(amProtocol, t.handleAMStream)
	host.SetStreamHandler(rdmaProtocol, t.handleRDMAStream)

	t.logger.Info("fabric transport up", "peer_id", host.ID(), "world_size", t.n)
	return t, nil
}

// listenAddrOf strips the trailing /p2p component so the address can be used
// as a listen address.
func listenAddrOf(full string) (ma.Multiaddr, error) {
	maddr, err := ma.NewMultiaddr(full)
	if err != nil {
		return nil, err
	}
	transportAddr, _ := ma.SplitFunc(maddr, func(c ma.Component) bool {
		return c.Protocol().Code == ma.P_P2P
	})
	if transportAddr == nil {
		return nil, fmt.Errorf("no transport component in %s", full)
	}
	return transportAddr, nil
}

func (t *fabricTransport) MyPE() PE       { return t.me }
func (t *fabricTransport) WorldSize() int { return t.n }
func (t *fabricTransport) Inbound() <-chan Delivery {
	return t.inbound
}

// streamLocked returns the persistent ordered stream to dest, dialing on
// first use. The first frame on a fresh stream is a hello carrying our PE
// id. Caller holds streamMu.
func (t *fabricTransport) streamLocked(dest PE) (network.Stream, error) {
	if s, ok := t.streams[dest]; ok {
		return s, nil
	}
	info, ok := t.peers[dest]
	if !ok {
		return nil, fmt.Errorf("%w: pe %d has no fabric address", ErrUnreachable, dest)
	}
	if err := t.host.Connect(t.ctx, info); err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, dest, err)
	}
	s, err := t.host.NewStream(t.ctx, info.ID, amProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, dest, err)
	}

	var hello [4]byte
	binary.LittleEndian.PutUint32(hello[:], uint32(t.me))
	if _, err := s.Write(hello[:]); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, dest, err)
	}
	t.streams[dest] = s
	return s, nil
}

func (t *fabricTransport) Send(dest PE, data []byte) error {
	if int(dest) < 0 || int(dest) >= t.n {
		return fmt.Errorf("%w: pe %d", ErrUnreachable, dest)
	}
	if dest == t.me {
		return fmt.Errorf("lamellae: self-send must use the local path")
	}

	// streamMu serializes dialing and frame writes, keeping per-dest FIFO.
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	s, err := t.streamLocked(dest)
	if err != nil {
		return err
	}
	if err := writeFrame(s, data); err != nil {
		s.Reset()
		delete(t.streams, dest)
		return fmt.Errorf("%w: pe %d: %v", ErrUnreachable, dest, err)
	}
	return nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *fabricTransport) handleAMStream(s network.Stream) {
	defer s.Close()

	var hello [4]byte
	if _, err := io.ReadFull(s, hello[:]); err != nil {
		t.logger.Warn("am stream without hello", "err", err)
		return
	}
	src := PE(binary.LittleEndian.Uint32(hello[:]))

	for {
		frame, err := readFrame(s)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("am stream closed", "src", src, "err", err)
			}
			return
		}
		select {
		case t.inbound <- Delivery{Src: src, Data: frame}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *fabricTransport) Broadcast(data []byte) error {
	// The engine's binomial tree handles fan-out over the fabric.
	return ErrUnsupported
}

func (t *fabricTransport) Barrier() error {
	// No native collective on the fabric; the engine runs its
	// dissemination barrier over active messages instead.
	return ErrUnsupported
}

func (t *fabricTransport) AllocRegion(size int) ([]byte, RegionID, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive region size %d", ErrBadRegion, size)
	}
	buf := make([]byte, size)
	t.regionMu.Lock()
	defer t.regionMu.Unlock()
	t.regions = append(t.regions, buf)
	return buf, RegionID(len(t.regions) - 1), nil
}

func (t *fabricTransport) localRegion(region RegionID, offset, n int) ([]byte, error) {
	t.regionMu.RLock()
	defer t.regionMu.RUnlock()
	if int(region) >= len(t.regions) {
		return nil, fmt.Errorf("%w: region %d", ErrBadRegion, region)
	}
	buf := t.regions[region]
	if offset < 0 || offset+n > len(buf) {
		return nil, fmt.Errorf("%w: [%d,%d) outside region of %d bytes",
			ErrBadRegion, offset, offset+n, len(buf))
	}
	return buf, nil
}

// rdma wire layout: op u8 | region u32 | offset u64 | length u32 | payload.
func encodeRDMAHeader(op byte, region RegionID, offset, length int) []byte {
	buf := make([]byte, 17)
	buf[0] = op
	binary.LittleEndian.PutUint32(buf[1:5], uint32(region))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(offset))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(length))
	return buf
}

func (t *fabricTransport) rdmaRoundTrip(pe PE, req []byte) ([]byte, error) {
	info, ok := t.peers[pe]
	if !ok {
		return nil, fmt.Errorf("%w: pe %d has no fabric address", ErrUnreachable, pe)
	}
	if err := t.host.Connect(t.ctx, info); err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, pe, err)
	}
	s, err := t.host.NewStream(t.ctx, info.ID, rdmaProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, pe, err)
	}
	defer s.Close()

	if err := writeFrame(s, req); err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, pe, err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, pe, err)
	}
	resp, err := readFrame(s)
	if err != nil {
		return nil, fmt.Errorf("%w: pe %d: %v", ErrUnreachable, pe, err)
	}
	if len(resp) < 1 || resp[0] != rdmaStatusOK {
		return nil, fmt.Errorf("%w: remote rejected rdma op", ErrBadRegion)
	}
	return resp[1:], nil
}

func (t *fabricTransport) handleRDMAStream(s network.Stream) {
	defer s.Close()

	req, err := readFrame(s)
	if err != nil || len(req) < 17 {
		return
	}
	op := req[0]
	region := RegionID(binary.LittleEndian.Uint32(req[1:5]))
	offset := int(binary.LittleEndian.Uint64(req[5:13]))
	length := int(binary.LittleEndian.Uint32(req[13:17]))

	switch op {
	case rdmaOpPut:
		payload := req[17:]
		buf, err := t.localRegion(region, offset, len(payload))
		if err != nil {
			writeFrame(s, []byte{rdmaStatusErr})
			return
		}
		copy(buf[offset:], payload)
		writeFrame(s, []byte{rdmaStatusOK})
	case rdmaOpGet:
		buf, err := t.localRegion(region, offset, length)
		if err != nil {
			writeFrame(s, []byte{rdmaStatusErr})
			return
		}
		resp := make([]byte, 1+length)
		resp[0] = rdmaStatusOK
		copy(resp[1:], buf[offset:offset+length])
		writeFrame(s, resp)
	}
}

func (t *fabricTransport) Put(dest PE, region RegionID, offset int, data []byte) error {
	if dest == t.me {
		buf, err := t.localRegion(region, offset, len(data))
		if err != nil {
			return err
		}
		copy(buf[offset:], data)
		return nil
	}
	req := append(encodeRDMAHeader(rdmaOpPut, region, offset, len(data)), data...)
	_, err := t.rdmaRoundTrip(dest, req)
	return err
}

func (t *fabricTransport) Get(src PE, region RegionID, offset int, buf []byte) error {
	if src == t.me {
		local, err := t.localRegion(region, offset, len(buf))
		if err != nil {
			return err
		}
		copy(buf, local[offset:])
		return nil
	}
	resp, err := t.rdmaRoundTrip(src, encodeRDMAHeader(rdmaOpGet, region, offset, len(buf)))
	if err != nil {
		return err
	}
	if len(resp) != len(buf) {
		return fmt.Errorf("%w: short rdma read", ErrBadRegion)
	}
	copy(buf, resp)
	return nil
}

func (t *fabricTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.streamMu.Lock()
		for _, s := range t.streams {
			s.Close()
		}
		t.streamMu.Unlock()
		t.host.Close()
		close(t.inbound)
	})
	return nil
}

// Package replay extracts the rig to host byte stream from a packet capture
// and plays it back as a link.
package replay

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// ErrNoStream reports a capture with no TCP payload toward the port.
var ErrNoStream = stderrors.New("replay: no matching tcp stream in capture")

const pcapngMagic = 0x0A0D0D0A

// Segment is a run of in-order stream bytes and the time they were captured.
type Segment struct {
	At   time.Time
	Data []byte
}

// Capture is the reassembled stream of one TCP flow.
type Capture struct {
	Flow        string
	Segments    []Segment
	Bytes       int
	Retransmits int
	// Gaps counts holes left by segments missing from the capture.
	Gaps int
}

// Payload concatenates every segment.
func (c *Capture) Payload() []byte {
	out := make([]byte, 0, c.Bytes)
	for _, s := range c.Segments {
		out = append(out, s.Data...)
	}
	return out
}

type packetSource interface {
	LinkType() layers.LinkType
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// ReadFile reassembles the first TCP flow whose destination port is port.
// A zero port picks the first flow that carries payload.
func ReadFile(path string, port uint16) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capture")
	}
	defer f.Close()
	capture, err := Read(f, port)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return capture, nil
}

// Read is ReadFile over an already open pcap or pcapng stream.
func Read(r io.Reader, port uint16) (*Capture, error) {
	src, err := openSource(r)
	if err != nil {
		return nil, err
	}

	packets := gopacket.NewPacketSource(src, src.LinkType())
	packets.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var asm *assembler
	for {
		pkt, err := packets.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode packet")
		}
		netLayer := pkt.NetworkLayer()
		tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if netLayer == nil || !ok {
			continue
		}
		flow := fmt.Sprintf("%s:%d->%s:%d",
			netLayer.NetworkFlow().Src(), tcpLayer.SrcPort,
			netLayer.NetworkFlow().Dst(), tcpLayer.DstPort)

		if asm == nil {
			if port != 0 && uint16(tcpLayer.DstPort) != port {
				continue
			}
			if !tcpLayer.SYN && len(tcpLayer.Payload) == 0 {
				continue
			}
			asm = newAssembler(flow)
		}
		if flow != asm.capture.Flow {
			continue
		}
		asm.add(tcpLayer, pkt.Metadata().Timestamp)
		if tcpLayer.FIN || tcpLayer.RST {
			break
		}
	}
	if asm == nil {
		return nil, ErrNoStream
	}
	asm.flush()
	if asm.capture.Bytes == 0 {
		return nil, ErrNoStream
	}
	return asm.capture, nil
}

func openSource(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, errors.Wrap(err, "read capture header")
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, errors.Wrap(err, "pcapng header")
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, errors.Wrap(err, "pcap header")
	}
	return pr, nil
}

type pendingSegment struct {
	seq  uint32
	at   time.Time
	data []byte
}

// assembler orders one direction of a TCP flow by sequence number.
type assembler struct {
	capture *Capture
	next    uint32
	synced  bool
	pending []pendingSegment
}

func newAssembler(flow string) *assembler {
	return &assembler{capture: &Capture{Flow: flow}}
}

func (a *assembler) add(tcp *layers.TCP, at time.Time) {
	if tcp.SYN {
		a.next = tcp.Seq + 1
		a.synced = true
		return
	}
	if len(tcp.Payload) == 0 {
		return
	}
	if !a.synced {
		a.next = tcp.Seq
		a.synced = true
	}
	data := append([]byte(nil), tcp.Payload...)
	a.place(pendingSegment{seq: tcp.Seq, at: at, data: data})
	a.drain()
}

// place appends the contiguous part of seg or parks it until the hole before
// it fills.
func (a *assembler) place(seg pendingSegment) {
	diff := int32(seg.seq - a.next)
	if diff > 0 {
		a.pending = append(a.pending, seg)
		return
	}
	overlap := int(-diff)
	if overlap >= len(seg.data) {
		a.capture.Retransmits++
		return
	}
	a.emit(seg.at, seg.data[overlap:])
}

func (a *assembler) drain() {
	for progressed := true; progressed && len(a.pending) > 0; {
		progressed = false
		for i, seg := range a.pending {
			if int32(seg.seq-a.next) > 0 {
				continue
			}
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			a.place(seg)
			progressed = true
			break
		}
	}
}

// flush gives up on missing data and appends whatever is still parked.
func (a *assembler) flush() {
	sort.Slice(a.pending, func(i, j int) bool {
		return int32(a.pending[i].seq-a.pending[j].seq) < 0
	})
	for len(a.pending) > 0 {
		seg := a.pending[0]
		a.pending = a.pending[1:]
		if int32(seg.seq-a.next) > 0 {
			a.capture.Gaps++
			a.next = seg.seq
		}
		a.place(seg)
	}
}

func (a *assembler) emit(at time.Time, data []byte) {
	a.capture.Segments = append(a.capture.Segments, Segment{At: at, Data: data})
	a.capture.Bytes += len(data)
	a.next += uint32(len(data))
}

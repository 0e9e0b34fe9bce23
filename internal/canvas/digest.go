package canvas

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const digestSize = 32

// cellDomainKey is the fixed 32-byte key for BLAKE3 keyed hashing of cell
// contributions. The ASCII domain name keeps the key inspectable in hex dumps;
// changing it invalidates every persisted canvas hash.
var cellDomainKey = [digestSize]byte{
	'm', 'u', 'r', 'a', 'l', '.', 'c', 'a', 'n', 'v', 'a', 's', '.',
	'c', 'e', 'l', 'l', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// digest maintains the canvas content hash incrementally. Every cell
// contributes the keyed BLAKE3 hash of (x, y, rgb); the canvas hash is the
// XOR fold of all cell contributions. Replacing a cell XORs the old
// contribution out and the new one in, so a pixel write costs O(1) and the
// result depends only on the final grid state, never on write order.
type digest struct {
	acc [digestSize]byte
}

func cellContribution(x, y int, c Color) [digestSize]byte {
	var message [11]byte
	binary.BigEndian.PutUint32(message[0:4], uint32(x))
	binary.BigEndian.PutUint32(message[4:8], uint32(y))
	message[8] = c.R
	message[9] = c.G
	message[10] = c.B

	hasher, err := blake3.NewKeyed(cellDomainKey[:])
	if err != nil {
		panic("canvas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(message[:])

	var contribution [digestSize]byte
	copy(contribution[:], hasher.Sum(nil))
	return contribution
}

func (d *digest) replaceCell(x, y int, oldColor, newColor Color) {
	old := cellContribution(x, y, oldColor)
	updated := cellContribution(x, y, newColor)
	for i := range d.acc {
		d.acc[i] ^= old[i] ^ updated[i]
	}
}

// rebuild recomputes the accumulator from a full row-major RGB bitmap.
// Used at construction and when restoring persisted state.
func (d *digest) rebuild(width, height int, bitmap []byte) {
	d.acc = [digestSize]byte{}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			offset := (y*width + x) * bytesPerCell
			color := Color{R: bitmap[offset], G: bitmap[offset+1], B: bitmap[offset+2]}
			contribution := cellContribution(x, y, color)
			for i := range d.acc {
				d.acc[i] ^= contribution[i]
			}
		}
	}
}

func (d *digest) hex() string {
	return hex.EncodeToString(d.acc[:])
}

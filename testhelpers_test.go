// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

// setField128 writes val into the inclusive big-endian bit range [lo, hi]
// of reg, the inverse of bits.Field128Uint, used by tests to construct
// synthetic CID/CSD registers.
func setField128(reg *[16]byte, hi, lo int, val uint64) {
	for bit := lo; bit <= hi; bit++ {
		byteIdx := 15 - bit/8
		bitIdx := uint(bit % 8)
		b := byte((val >> uint(bit-lo)) & 1)
		if b == 1 {
			reg[byteIdx] |= 1 << bitIdx
		} else {
			reg[byteIdx] &^= 1 << bitIdx
		}
	}
}

// syntheticHCCSD builds a CSD version 2 (SDHC/SDXC) register reporting the
// given capacity in 512-byte blocks, at a fixed 25MHz transfer speed.
// totalBlocks must be a nonzero multiple of 1024, the C_SIZE granularity.
func syntheticHCCSD(totalBlocks uint32) [16]byte {
	var csd [16]byte
	setField128(&csd, 127, 126, 1) // CSD structure version 1.0 (v2)
	setField128(&csd, 103, 96, 0x32)
	cSize := uint64(totalBlocks)/1024 - 1
	setField128(&csd, 69, 48, cSize)
	return csd
}

// syntheticSDv1CSD builds a CSD version 1 (standard-capacity SD/MMC)
// register reporting the given capacity in 512-byte blocks via
// C_SIZE/C_SIZE_MULT/READ_BL_LEN, at a fixed 25MHz transfer speed.
func syntheticSDv1CSD(totalBlocks uint32) [16]byte {
	var csd [16]byte
	setField128(&csd, 127, 126, 0)
	setField128(&csd, 103, 96, 0x32)
	setField128(&csd, 83, 80, 9) // READ_BL_LEN = 512
	const cSizeMult = 3
	mult := uint64(1) << (cSizeMult + 2)
	deviceBlocks512 := uint64(totalBlocks)
	// deviceSize = (cSize+1)*mult*512; blocks = deviceSize/512 = (cSize+1)*mult
	cSize := deviceBlocks512/mult - 1
	setField128(&csd, 73, 62, cSize)
	setField128(&csd, 49, 47, cSizeMult)
	return csd
}

func syntheticCID(serial uint32) [16]byte {
	var cid [16]byte
	setField128(&cid, 127, 120, 0x27) // manufacturer id
	setField128(&cid, 119, 104, 0x4853) // OEM id "HS"
	setField128(&cid, 47, 16, uint64(serial))
	return cid
}

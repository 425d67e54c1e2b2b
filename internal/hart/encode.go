package hart

// Instruction-encoding helpers used by tests (and by internal/bootrom's
// default image) to build small RV64IMA programs without a full assembler, mirroring the pared-down test
// fixtures an emulator's own package tests would hand-assemble.

func encodeR(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// encodeIShift builds the RV64 shift-immediate encoding, where the top six
// bits are a funct6 (not the seven-bit funct7 of other R/I forms) and the
// next six are a 0-63 shift amount.
func encodeIShift(opcode, funct3, funct6, rd, rs1, shamt uint32) uint32 {
	return funct6<<26 | shamt<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	hi := (u >> 5) & 0x7f
	lo := u & 0x1f

	return hi<<25 | rs2<<20 | rs1<<15 | funct3<<12 | lo<<7 | opcode
}

func encodeB(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 1
	b11 := (u >> 11) & 1
	b10_5 := (u >> 5) & 0x3f
	b4_1 := (u >> 1) & 0xf

	return b12<<31 | b10_5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | b4_1<<8 | b11<<7 | opcode
}

func encodeU(opcode, rd uint32, imm int32) uint32 {
	return uint32(imm)&0xfffff000 | rd<<7 | opcode
}

func encodeJ(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	b20 := (u >> 20) & 1
	b19_12 := (u >> 12) & 0xff
	b11 := (u >> 11) & 1
	b10_1 := (u >> 1) & 0x3ff

	return b20<<31 | b10_1<<21 | b11<<20 | b19_12<<12 | rd<<7 | opcode
}

func encodeAMO(funct5, aqrl, rd, rs1, rs2 uint32, width uint32) uint32 {
	return funct5<<27 | aqrl<<25 | rs2<<20 | rs1<<15 | width<<12 | rd<<7 | opAMO
}

// The mnemonics below are exported for the tests of internal/hart and
// internal/machine and for internal/bootrom; not every one is used.

func ADDI(rd, rs1 uint32, imm int32) uint32 { return encodeI(opOpImm, 0b000, rd, rs1, imm) }
func ORI(rd, rs1 uint32, imm int32) uint32  { return encodeI(opOpImm, 0b110, rd, rs1, imm) }
func ANDI(rd, rs1 uint32, imm int32) uint32 { return encodeI(opOpImm, 0b111, rd, rs1, imm) }
func XORI(rd, rs1 uint32, imm int32) uint32 { return encodeI(opOpImm, 0b100, rd, rs1, imm) }
func SLTI(rd, rs1 uint32, imm int32) uint32 { return encodeI(opOpImm, 0b010, rd, rs1, imm) }

func SLLI(rd, rs1, shamt uint32) uint32 { return encodeIShift(opOpImm, 0b001, 0x00, rd, rs1, shamt) }
func SRLI(rd, rs1, shamt uint32) uint32 { return encodeIShift(opOpImm, 0b101, 0x00, rd, rs1, shamt) }
func SRAI(rd, rs1, shamt uint32) uint32 { return encodeIShift(opOpImm, 0b101, 0x10, rd, rs1, shamt) }

func ADD(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b000, 0x00, rd, rs1, rs2) }
func SUB(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b000, 0x20, rd, rs1, rs2) }
func SLL(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b001, 0x00, rd, rs1, rs2) }
func SLT(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b010, 0x00, rd, rs1, rs2) }
func XOR(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b100, 0x00, rd, rs1, rs2) }
func OR(rd, rs1, rs2 uint32) uint32  { return encodeR(opOp, 0b110, 0x00, rd, rs1, rs2) }
func AND(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b111, 0x00, rd, rs1, rs2) }

func MUL(rd, rs1, rs2 uint32) uint32  { return encodeR(opOp, 0b000, 0x01, rd, rs1, rs2) }
func DIV(rd, rs1, rs2 uint32) uint32  { return encodeR(opOp, 0b100, 0x01, rd, rs1, rs2) }
func DIVU(rd, rs1, rs2 uint32) uint32 { return encodeR(opOp, 0b101, 0x01, rd, rs1, rs2) }
func REM(rd, rs1, rs2 uint32) uint32  { return encodeR(opOp, 0b110, 0x01, rd, rs1, rs2) }

func LB(rd, rs1 uint32, imm int32) uint32  { return encodeI(opLoad, 0b000, rd, rs1, imm) }
func LH(rd, rs1 uint32, imm int32) uint32  { return encodeI(opLoad, 0b001, rd, rs1, imm) }
func LW(rd, rs1 uint32, imm int32) uint32  { return encodeI(opLoad, 0b010, rd, rs1, imm) }
func LD(rd, rs1 uint32, imm int32) uint32  { return encodeI(opLoad, 0b011, rd, rs1, imm) }
func LBU(rd, rs1 uint32, imm int32) uint32 { return encodeI(opLoad, 0b100, rd, rs1, imm) }
func LHU(rd, rs1 uint32, imm int32) uint32 { return encodeI(opLoad, 0b101, rd, rs1, imm) }

func SB(rs1, rs2 uint32, imm int32) uint32 { return encodeS(opStore, 0b000, rs1, rs2, imm) }
func SH(rs1, rs2 uint32, imm int32) uint32 { return encodeS(opStore, 0b001, rs1, rs2, imm) }
func SW(rs1, rs2 uint32, imm int32) uint32 { return encodeS(opStore, 0b010, rs1, rs2, imm) }
func SD(rs1, rs2 uint32, imm int32) uint32 { return encodeS(opStore, 0b011, rs1, rs2, imm) }

func BEQ(rs1, rs2 uint32, imm int32) uint32 { return encodeB(opBranch, 0b000, rs1, rs2, imm) }
func BNE(rs1, rs2 uint32, imm int32) uint32 { return encodeB(opBranch, 0b001, rs1, rs2, imm) }
func BLT(rs1, rs2 uint32, imm int32) uint32 { return encodeB(opBranch, 0b100, rs1, rs2, imm) }
func BGE(rs1, rs2 uint32, imm int32) uint32 { return encodeB(opBranch, 0b101, rs1, rs2, imm) }

func LUI(rd uint32, imm int32) uint32   { return encodeU(opLUI, rd, imm) }
func AUIPC(rd uint32, imm int32) uint32 { return encodeU(opAUIPC, rd, imm) }

func JAL(rd uint32, imm int32) uint32           { return encodeJ(opJAL, rd, imm) }
func JALR(rd, rs1 uint32, imm int32) uint32     { return encodeI(opJALR, 0b000, rd, rs1, imm) }

func ECALL() uint32  { return encodeI(opSystem, 0b000, 0, 0, 0x000) }
func EBREAK() uint32 { return encodeI(opSystem, 0b000, 0, 0, 0x001) }
func MRET() uint32   { return encodeI(opSystem, 0b000, 0, 0, 0x302) }
func SRET() uint32   { return encodeI(opSystem, 0b000, 0, 0, 0x102) }
func WFI() uint32    { return encodeI(opSystem, 0b000, 0, 0, 0x105) }

func CSRRW(rd, csr, rs1 uint32) uint32 { return encodeI(opSystem, 0b001, rd, rs1, int32(csr)) }
func CSRRS(rd, csr, rs1 uint32) uint32 { return encodeI(opSystem, 0b010, rd, rs1, int32(csr)) }
func CSRRWI(rd, csr, zimm uint32) uint32 {
	return encodeI(opSystem, 0b101, rd, zimm, int32(csr))
}

func LRW(rd, rs1 uint32) uint32      { return encodeAMO(0x02, 0, rd, rs1, 0, 0b010) }
func SCW(rd, rs1, rs2 uint32) uint32 { return encodeAMO(0x03, 0, rd, rs1, rs2, 0b010) }
func AMOADDW(rd, rs1, rs2 uint32) uint32 {
	return encodeAMO(0x00, 0, rd, rs1, rs2, 0b010)
}

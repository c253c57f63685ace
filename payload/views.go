package payload

import "hostcall/memory"

// PrintfArgs is the PRINTF request: Length bytes of text at Buffer.
type PrintfArgs struct {
	Length uint64
	Buffer memory.Address
}

// PrintfArgs reads slots 0 and 1.
func (p *Payload) PrintfArgs() PrintfArgs {
	return PrintfArgs{Length: p[0], Buffer: memory.Address(p[1])}
}

// StoreTo writes the request into slots 0 and 1.
func (a PrintfArgs) StoreTo(p *Payload) {
	p[0] = a.Length
	p[1] = uint64(a.Buffer)
}

// PrintfResult is the PRINTF response.
type PrintfResult struct {
	Status Status
}

// PrintfResult reads slot 0.
func (p *Payload) PrintfResult() PrintfResult {
	return PrintfResult{Status: Status(p[0])}
}

// StoreTo writes the response into slot 0.
func (r PrintfResult) StoreTo(p *Payload) {
	p[0] = uint64(r.Status)
}

// MallocArgs is the MALLOC request.
type MallocArgs struct {
	Size uint64
}

// MallocArgs reads slot 0.
func (p *Payload) MallocArgs() MallocArgs {
	return MallocArgs{Size: p[0]}
}

// StoreTo writes the request into slot 0.
func (a MallocArgs) StoreTo(p *Payload) {
	p[0] = a.Size
}

// MallocResult is the MALLOC response. Address is null unless Status is success.
type MallocResult struct {
	Status  Status
	Address memory.Address
}

// MallocResult reads slots 0 and 1.
func (p *Payload) MallocResult() MallocResult {
	return MallocResult{Status: Status(p[0]), Address: memory.Address(p[1])}
}

// StoreTo writes the response into slots 0 and 1.
func (r MallocResult) StoreTo(p *Payload) {
	p[0] = uint64(r.Status)
	p[1] = uint64(r.Address)
}

// FreeArgs is the FREE request. Slot 0 is not part of it.
type FreeArgs struct {
	Buffer memory.Address
}

// FreeArgs reads slot 1.
func (p *Payload) FreeArgs() FreeArgs {
	return FreeArgs{Buffer: memory.Address(p[1])}
}

// StoreTo writes the request into slot 1.
func (a FreeArgs) StoreTo(p *Payload) {
	p[1] = uint64(a.Buffer)
}

// DemoArgs is the DEMO request: C[i] = A[i]*B[i] over Count int32 elements.
type DemoArgs struct {
	Count   uint64
	A, B, C memory.Address
}

// DemoArgs reads slots 0 through 3.
func (p *Payload) DemoArgs() DemoArgs {
	return DemoArgs{
		Count: p[0],
		A:     memory.Address(p[1]),
		B:     memory.Address(p[2]),
		C:     memory.Address(p[3]),
	}
}

// StoreTo writes the request into slots 0 through 3.
func (a DemoArgs) StoreTo(p *Payload) {
	p[0] = a.Count
	p[1] = uint64(a.A)
	p[2] = uint64(a.B)
	p[3] = uint64(a.C)
}

// DemoResult is the DEMO response.
type DemoResult struct {
	Status Status
	Zeros  uint64
}

// DemoResult reads slots 0 and 1.
func (p *Payload) DemoResult() DemoResult {
	return DemoResult{Status: Status(p[0]), Zeros: p[1]}
}

// StoreTo writes the response into slots 0 and 1.
func (r DemoResult) StoreTo(p *Payload) {
	p[0] = uint64(r.Status)
	p[1] = r.Zeros
}

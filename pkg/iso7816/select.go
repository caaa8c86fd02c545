package iso7816

// SELECT command construction (ISO 7816-4, INS 'A4').
//
// P1 selects the targeting method (file ID, DF name/AID, path); P2 combines
// the requested response content (bits 4-3) with the file occurrence
// (bits 2-1). Application selection by AID is the only method the pipeline
// itself needs: it bootstraps every applet session and is exempt from secure
// messaging.

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID   SelectionMethod = 0x00
	SelectByDFName   SelectionMethod = 0x04 // select by AID
	SelectPathFromMF SelectionMethod = 0x08
)

// SelectionControl defines what data the token returns (bits 4-3 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnFMD    SelectionControl = 0b0000_10_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

// NewSelectCommand creates a generic SELECT command.
func NewSelectCommand(cla Class, method SelectionMethod, ctrl SelectionControl, data []byte) *CommandAPDU {
	// T=0 compatibility: with command data present we must not also send Le;
	// the token answers 61XX and the response-chaining transform collects
	// the payload. Without data we can request the full short Le.
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}

	return NewCommandAPDU(cla, InsSelect, byte(method), byte(ctrl), data, ne)
}

// SelectByAID creates a SELECT command targeting an application by its AID.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	return NewSelectCommand(cla, SelectByDFName, ReturnFCI, aid)
}

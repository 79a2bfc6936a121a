package scte35

// Segmentation descriptor identification.
const (
	SegmentationDescriptorTag uint8  = 0x02
	CUEIdentifier             uint32 = 0x43554549 // "CUEI"
)

// Segmentation types used by reel and commonly seen on contribution feeds.
const (
	SegmentationTypeNotIndicated          uint8 = 0x00
	SegmentationTypeContentIdentification uint8 = 0x01
	SegmentationTypeProgramStart          uint8 = 0x10
	SegmentationTypeProgramEnd            uint8 = 0x11
	SegmentationTypeChapterStart          uint8 = 0x20
	SegmentationTypeChapterEnd            uint8 = 0x21
	SegmentationTypeBreakStart            uint8 = 0x22
	SegmentationTypeBreakEnd              uint8 = 0x23
	SegmentationTypeProviderAdStart       uint8 = 0x30
	SegmentationTypeProviderAdEnd         uint8 = 0x31
	SegmentationTypeDistributorAdStart    uint8 = 0x32
	SegmentationTypeDistributorAdEnd      uint8 = 0x33
	SegmentationTypeUnscheduledEventStart uint8 = 0x40
	SegmentationTypeUnscheduledEventEnd   uint8 = 0x41
	SegmentationTypeNetworkStart          uint8 = 0x50
	SegmentationTypeNetworkEnd            uint8 = 0x51
)

var segmentationNames = map[uint8]string{
	SegmentationTypeNotIndicated:          "Not Indicated",
	SegmentationTypeContentIdentification: "Content Identification",
	SegmentationTypeProgramStart:          "Program Start",
	SegmentationTypeProgramEnd:            "Program End",
	SegmentationTypeChapterStart:          "Chapter Start",
	SegmentationTypeChapterEnd:            "Chapter End",
	SegmentationTypeBreakStart:            "Break Start",
	SegmentationTypeBreakEnd:              "Break End",
	SegmentationTypeProviderAdStart:       "Provider Advertisement Start",
	SegmentationTypeProviderAdEnd:         "Provider Advertisement End",
	SegmentationTypeDistributorAdStart:    "Distributor Advertisement Start",
	SegmentationTypeDistributorAdEnd:      "Distributor Advertisement End",
	SegmentationTypeUnscheduledEventStart: "Unscheduled Event Start",
	SegmentationTypeUnscheduledEventEnd:   "Unscheduled Event End",
	SegmentationTypeNetworkStart:          "Network Start",
	SegmentationTypeNetworkEnd:            "Network End",
}

// SegmentationDescriptor is a CUEI segmentation_descriptor. Component-level
// segmentation is read but not retained.
type SegmentationDescriptor struct {
	SegmentationEventID  uint32
	Cancel               bool
	SegmentationTypeID   uint8
	SegmentationDuration *uint64 // 90 kHz ticks
	UPIDType             uint8
	UPID                 []byte
	SegmentNum           uint8
	SegmentsExpected     uint8
}

// Name returns a readable name for the segmentation type.
func (d *SegmentationDescriptor) Name() string {
	if name, ok := segmentationNames[d.SegmentationTypeID]; ok {
		return name
	}
	return "Unknown"
}

// decode reads the descriptor body following the identifier.
func (d *SegmentationDescriptor) decode(r *bitReader) {
	d.SegmentationEventID = uint32(r.bits(32))
	d.Cancel = r.flag()
	r.skip(7) // compliance indicator, reserved
	if d.Cancel {
		return
	}
	program := r.flag()
	hasDuration := r.flag()
	r.skip(6) // delivery_not_restricted_flag and restrictions
	if !program {
		for range r.bits(8) {
			r.skip(8 + 7 + 33)
		}
	}
	if hasDuration {
		dur := r.bits(40)
		d.SegmentationDuration = &dur
	}
	d.UPIDType = uint8(r.bits(8))
	if n := int(r.bits(8)); n > 0 {
		d.UPID = append([]byte(nil), r.bytes(n)...)
	}
	d.SegmentationTypeID = uint8(r.bits(8))
	d.SegmentNum = uint8(r.bits(8))
	d.SegmentsExpected = uint8(r.bits(8))
}

func (d *SegmentationDescriptor) encode(w *bitWriter) {
	w.put(32, uint64(d.SegmentationEventID))
	w.putFlag(d.Cancel)
	w.reserved(7) // compliance indicator set, reserved
	if d.Cancel {
		return
	}
	w.put(1, 1) // program_segmentation_flag
	w.putFlag(d.SegmentationDuration != nil)
	w.put(1, 1) // delivery_not_restricted_flag
	w.reserved(5)
	if d.SegmentationDuration != nil {
		w.put(40, *d.SegmentationDuration)
	}
	w.put(8, uint64(d.UPIDType))
	w.put(8, uint64(len(d.UPID)))
	w.putBytes(d.UPID)
	w.put(8, uint64(d.SegmentationTypeID))
	w.put(8, uint64(d.SegmentNum))
	w.put(8, uint64(d.SegmentsExpected))
}

// ChapterMarker returns a time_signal section at pts with a Chapter Start
// descriptor numbering chapter n of total.
func ChapterMarker(eventID uint32, pts, duration uint64, n, total int) *SpliceInfoSection {
	sd := &SegmentationDescriptor{
		SegmentationEventID: eventID,
		SegmentationTypeID:  SegmentationTypeChapterStart,
		SegmentNum:          uint8(n),
		SegmentsExpected:    uint8(total),
	}
	if duration > 0 {
		sd.SegmentationDuration = &duration
	}
	return &SpliceInfoSection{
		SAPType:       3,
		Tier:          0xFFF,
		SpliceCommand: &TimeSignal{PTSTime: &pts},
		Descriptors:   []*SegmentationDescriptor{sd},
	}
}

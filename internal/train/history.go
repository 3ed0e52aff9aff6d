package train

// EpochRecord is the outcome of one completed epoch.
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
}

// History is an append-only list of epoch records.
type History struct {
	records []EpochRecord
}

// NewHistory wraps previously recorded epochs, e.g. read back from a store.
func NewHistory(records []EpochRecord) *History {
	return &History{records: append([]EpochRecord(nil), records...)}
}

func (h *History) append(r EpochRecord) {
	h.records = append(h.records, r)
}

// Records returns a copy of the recorded epochs in order.
func (h *History) Records() []EpochRecord {
	return append([]EpochRecord(nil), h.records...)
}

func (h *History) Len() int { return len(h.records) }

// Last returns the most recent record, if any.
func (h *History) Last() (EpochRecord, bool) {
	if len(h.records) == 0 {
		return EpochRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

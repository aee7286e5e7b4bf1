package model

import "testing"

func TestSendRankOrdering(t *testing.T) {
	order := []Modality{ModalityCT, ModalityRTStruc, ModalityRTPlan, ModalityRTDose, ModalityOther}
	for i := 1; i < len(order); i++ {
		if order[i-1].SendRank() >= order[i].SendRank() {
			t.Errorf("%s.SendRank() = %d, want it before %s.SendRank() = %d",
				order[i-1], order[i-1].SendRank(), order[i], order[i].SendRank())
		}
	}
}

func TestSendRankUnknownModalityLast(t *testing.T) {
	if Modality("WEIRD").SendRank() != ModalityOther.SendRank() {
		t.Error("an unrecognized modality should rank with OTHER")
	}
}

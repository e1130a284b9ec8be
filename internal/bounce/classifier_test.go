package bounce

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		response string
		want     Class
	}{
		{"550 5.1.1 user unknown", ClassHard},
		{"551 user not local", ClassHard},
		{"552 mailbox full, exceeded storage allocation", ClassHard},
		{"553 mailbox name not allowed", ClassHard},
		{"554 transaction failed", ClassHard},
		{"421 service not available, closing channel", ClassSoft},
		{"450 mailbox busy", ClassSoft},
		{"451 local error in processing", ClassSoft},
		{"452 insufficient system storage", ClassSoft},
		{"299 made up", ClassSoft},
		{"499 another made up", ClassSoft},
		{"555 parameters not recognized", ClassSoft},
		{"connection reset by peer", ClassSoft},
		{"", ClassSoft},
	}

	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			if got := Classify(tt.response); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.response, got, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	if !Permanent(ClassHard) || !Permanent(ClassBlock) {
		t.Error("hard and block bounces should be permanent")
	}
	if Permanent(ClassSoft) {
		t.Error("soft bounces should not be permanent")
	}
}

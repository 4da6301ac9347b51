package bloodtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("accepts all eight types", func(t *testing.T) {
		for _, b := range All {
			parsed, err := Parse(string(b))
			require.NoError(t, err)
			assert.Equal(t, b, parsed)
		}
	})

	t.Run("rejects empty string", func(t *testing.T) {
		_, err := Parse("")
		assert.Error(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := Parse("C+")
		assert.Error(t, err)
	})
}

func TestCanDonateTo(t *testing.T) {
	t.Run("O- is universal donor", func(t *testing.T) {
		for _, recipient := range All {
			assert.True(t, CanDonateTo(ONegative, recipient), "O- should donate to %s", recipient)
		}
	})

	t.Run("AB+ is universal recipient", func(t *testing.T) {
		for _, donor := range All {
			assert.True(t, CanDonateTo(donor, ABPositive), "%s should donate to AB+", donor)
		}
	})

	t.Run("AB+ donates only to AB+", func(t *testing.T) {
		for _, recipient := range All {
			if recipient == ABPositive {
				continue
			}
			assert.False(t, CanDonateTo(ABPositive, recipient), "AB+ should not donate to %s", recipient)
		}
	})

	t.Run("O- accepts only O-", func(t *testing.T) {
		for _, donor := range All {
			if donor == ONegative {
				continue
			}
			assert.False(t, CanDonateTo(donor, ONegative), "%s should not donate to O-", donor)
		}
	})

	t.Run("matrix is not symmetric", func(t *testing.T) {
		assert.True(t, CanDonateTo(OPositive, APositive))
		assert.False(t, CanDonateTo(APositive, OPositive))
	})
}

func TestCompatibleDonors(t *testing.T) {
	t.Run("A+ accepts A and O of either Rh", func(t *testing.T) {
		donors := CompatibleDonors(APositive)
		assert.ElementsMatch(t, []BloodType{APositive, ANegative, OPositive, ONegative}, donors)
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		donors := CompatibleDonors(ONegative)
		require.Len(t, donors, 1)
		donors[0] = ABPositive
		assert.Equal(t, []BloodType{ONegative}, CompatibleDonors(ONegative))
	})
}

package creditgate

import "fmt"

// Pricing computes the credit cost of an extraction. All figures are whole
// credits; the arithmetic is deterministic so quoted prices can be
// reproduced.
type Pricing struct {
	// BasePerFile is the cost of a standard-tier extraction.
	BasePerFile int64 `yaml:"base_per_file"`
	// OCRSurcharge is added when OCR is requested.
	OCRSurcharge int64 `yaml:"ocr_surcharge"`
	// PerSizeStep is added for every started SizeStepBytes beyond the first.
	SizeStepBytes int64 `yaml:"size_step_bytes"`
	PerSizeStep   int64 `yaml:"per_size_step"`
	// TierMultiplier scales the per-file cost; absent tiers default to 1.
	TierMultiplier map[Tier]int64 `yaml:"tier_multiplier"`
}

// EstimateCredits prices a single file.
func (p Pricing) EstimateCredits(sizeBytes int64, tier Tier, ops OpFlags) int64 {
	credits := p.BasePerFile
	if ops.OCR {
		credits += p.OCRSurcharge
	}
	if p.SizeStepBytes > 0 && sizeBytes > p.SizeStepBytes {
		steps := (sizeBytes - 1) / p.SizeStepBytes
		credits += steps * p.PerSizeStep
	}
	if m, ok := p.TierMultiplier[tier]; ok && m > 1 {
		credits *= m
	}
	return credits
}

// PriceFiles prices a declared batch, returning per-file figures and the
// total. Quote creation and direct extraction both price through here so a
// locked quote always matches what an unquoted request would have cost.
func (p Pricing) PriceFiles(files []FileSpec, tier Tier, ops OpFlags) ([]QuoteFile, int64) {
	priced := make([]QuoteFile, 0, len(files))
	var total int64
	for _, f := range files {
		credits := p.EstimateCredits(f.SizeBytes, tier, ops)
		priced = append(priced, QuoteFile{
			ClientFileID: f.ClientFileID,
			Name:         f.Name,
			SizeBytes:    f.SizeBytes,
			Credits:      credits,
		})
		total += credits
	}
	return priced, total
}

// Validate checks the pricing table.
func (p Pricing) Validate() error {
	if p.BasePerFile < 0 || p.OCRSurcharge < 0 || p.PerSizeStep < 0 || p.SizeStepBytes < 0 {
		return fmt.Errorf("creditgate: config: pricing values must not be negative")
	}
	for tier, m := range p.TierMultiplier {
		if m < 1 {
			return fmt.Errorf("creditgate: config: pricing tier_multiplier[%s] must be >= 1", tier)
		}
	}
	return nil
}

func (p Pricing) withDefaults() Pricing {
	if p.BasePerFile == 0 {
		p.BasePerFile = 10
	}
	if p.OCRSurcharge == 0 {
		p.OCRSurcharge = 5
	}
	if p.SizeStepBytes == 0 {
		p.SizeStepBytes = 10 << 20
	}
	if p.PerSizeStep == 0 {
		p.PerSizeStep = 2
	}
	if p.TierMultiplier == nil {
		p.TierMultiplier = map[Tier]int64{TierStandard: 1, TierDeep: 2}
	}
	return p
}

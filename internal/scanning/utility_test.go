package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Utility", func() {
	DescribeTable("ParseUtility",
		func(input string, expected Utility) {
			u, err := ParseUtility(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(u).To(Equal(expected))
		},
		Entry("gas", "gas", Gas),
		Entry("mixed case", "Electricity", Electricity),
		Entry("padded", "  water ", Water),
	)

	It("rejects unknown utilities", func() {
		_, err := ParseUtility("steam")
		Expect(err).To(MatchError("invalid utility_type. Must be one of: electricity, gas, water"))
	})

	It("has per-utility digit defaults", func() {
		Expect(Gas.DefaultDigits()).To(Equal(5))
		Expect(Water.DefaultDigits()).To(Equal(5))
		Expect(Electricity.DefaultDigits()).To(Equal(6))
		Expect(Utility("steam").DefaultDigits()).To(Equal(5))
	})

	It("reports validity", func() {
		Expect(Gas.Valid()).To(BeTrue())
		Expect(Utility("").Valid()).To(BeFalse())
	})

	Describe("Instructions", func() {
		It("describes drum counters for gas", func() {
			system, user := Gas.Instructions(5)
			Expect(system).To(ContainSubstring("gas meter"))
			Expect(system).To(ContainSubstring("RED background drums"))
			Expect(system).To(ContainSubstring(`{"pos1": D, "pos2": D, "pos3": D, "pos4": D, "pos5": D}`))
			Expect(system).To(ContainSubstring("01814 stays 01814"))
			Expect(user).To(ContainSubstring("Read only the 5 black/white drums"))
		})

		It("mentions the rotary dial for water", func() {
			system, user := Water.Instructions(5)
			Expect(system).To(ContainSubstring("m³"))
			Expect(user).To(ContainSubstring("rotary dials"))
		})

		It("describes a digital display for electricity", func() {
			system, user := Electricity.Instructions(6)
			Expect(system).To(ContainSubstring("LCD or LED"))
			Expect(system).To(ContainSubstring(`"pos6": D`))
			Expect(system).To(ContainSubstring("001814 stays 001814"))
			Expect(user).To(ContainSubstring("6 main integer kWh digits"))
		})

		It("uses the utility default when no digit count is given", func() {
			system, _ := Electricity.Instructions(0)
			Expect(system).To(ContainSubstring("Read exactly 6 integer digits"))
		})

		It("uses the gas prompts for unknown utilities", func() {
			system, _ := Utility("steam").Instructions(5)
			Expect(system).To(ContainSubstring("gas meter"))
		})
	})

	DescribeTable("leadingZeroExample",
		func(digits int, expected string) {
			Expect(leadingZeroExample(digits)).To(Equal(expected))
		},
		Entry("five", 5, "01814"),
		Entry("six", 6, "001814"),
		Entry("four", 4, "0814"),
	)
})

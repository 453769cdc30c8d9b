package meter

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("rateLimiter", func() {
	var (
		limiter *rateLimiter
		now     time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		limiter = newRateLimiter(3)
		limiter.now = func() time.Time { return now }
	})

	It("allows a burst of the per-minute limit", func() {
		for i := 0; i < 3; i++ {
			Expect(limiter.Allow("1.2.3.4")).To(BeTrue())
		}
		Expect(limiter.Allow("1.2.3.4")).To(BeFalse())
	})

	It("tracks clients separately", func() {
		for i := 0; i < 3; i++ {
			limiter.Allow("1.2.3.4")
		}
		Expect(limiter.Allow("5.6.7.8")).To(BeTrue())
	})

	It("refills over time", func() {
		for i := 0; i < 3; i++ {
			limiter.Allow("1.2.3.4")
		}
		now = now.Add(20 * time.Second)
		Expect(limiter.Allow("1.2.3.4")).To(BeTrue())
		Expect(limiter.Allow("1.2.3.4")).To(BeFalse())
	})

	It("forgets idle clients", func() {
		limiter.Allow("1.2.3.4")
		now = now.Add(clientIdleTTL + time.Minute)
		limiter.Allow("5.6.7.8")
		Expect(limiter.clients).NotTo(HaveKey("1.2.3.4"))
		Expect(limiter.clients).To(HaveKey("5.6.7.8"))
	})
})

var _ = Describe("clientAddress", func() {
	It("drops the port", func() {
		Expect(clientAddress(&http.Request{RemoteAddr: "10.0.0.1:5555"})).To(Equal("10.0.0.1"))
	})

	It("keeps an address without a port", func() {
		Expect(clientAddress(&http.Request{RemoteAddr: "10.0.0.1"})).To(Equal("10.0.0.1"))
	})
})

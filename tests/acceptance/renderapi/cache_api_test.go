package renderapi_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/pagelens/renderd/pkg/types"
)

var _ = Describe("Result cache", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newEnv()
		env.engine.page("https://shop.example/cached", pageBehavior{
			html:  "<html><body>cached content</body></html>",
			title: "Cached",
		})
	})

	It("serves a repeated request from the cache", func() {
		req := types.RenderRequest{URL: "https://shop.example/cached"}

		first := decodeResult(env.render(req))
		Expect(first.FromCache).To(BeFalse())

		second := decodeResult(env.render(req))
		Expect(second.FromCache).To(BeTrue())
		Expect(second.HTML).To(Equal(first.HTML))
		Expect(second.Title).To(Equal(first.Title))
		Expect(second.RequestID).NotTo(Equal(first.RequestID))

		Expect(env.engine.sessionCount()).To(Equal(1), "the second request must not touch the browser")
	})

	It("treats equivalent URLs as the same entry", func() {
		decodeResult(env.render(types.RenderRequest{URL: "https://shop.example/cached"}))

		hit := decodeResult(env.render(types.RenderRequest{URL: "HTTPS://SHOP.EXAMPLE:443/cached#fragment"}))
		Expect(hit.FromCache).To(BeTrue())
		Expect(env.engine.sessionCount()).To(Equal(1))
	})

	It("keeps render options apart", func() {
		decodeResult(env.render(types.RenderRequest{URL: "https://shop.example/cached"}))

		miss := decodeResult(env.render(types.RenderRequest{
			URL:            "https://shop.example/cached",
			ScrollToBottom: true,
		}))
		Expect(miss.FromCache).To(BeFalse())
		Expect(env.engine.sessionCount()).To(Equal(2))
	})

	It("never caches screenshot requests", func() {
		req := types.RenderRequest{
			URL:    "https://shop.example/cached",
			Output: types.OutputScreenshot,
		}
		decodeResult(env.render(req))
		repeat := decodeResult(env.render(req))
		Expect(repeat.FromCache).To(BeFalse())
		Expect(env.engine.sessionCount()).To(Equal(2))
	})

	It("reports cache entries in the status endpoint", func() {
		decodeResult(env.render(types.RenderRequest{URL: "https://shop.example/cached"}))

		resp := env.do(fasthttp.MethodGet, "/status", nil)
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

		var status struct {
			Connected    bool `json:"connected"`
			CacheEntries int  `json:"cache_entries"`
		}
		Expect(jsonDecodeData(resp, &status)).To(Succeed())
		Expect(status.Connected).To(BeTrue())
		Expect(status.CacheEntries).To(Equal(1))
	})
})

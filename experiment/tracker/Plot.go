package tracker

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot tracks episodic returns and renders a learning curve when the
// experiment ends.
type Plot struct {
	title    string
	filename string
	points   plotter.XYs
}

// NewPlot returns a Tracker rendering the learning curve to filename.
// The file extension selects the format (png, svg, pdf).
func NewPlot(title, filename string) *Plot {
	return &Plot{title: title, filename: filename}
}

// Track implements the Tracker interface
func (p *Plot) Track(episodeReturn float64, globalStep int) {
	p.points = append(p.points, plotter.XY{
		X: float64(globalStep),
		Y: episodeReturn,
	})
}

// Save implements the Tracker interface
func (p *Plot) Save() error {
	if len(p.points) == 0 {
		return nil
	}

	plt := plot.New()
	plt.Title.Text = p.title
	plt.X.Label.Text = "Environment steps"
	plt.Y.Label.Text = "Episodic return"

	line, err := plotter.NewLine(p.points)
	if err != nil {
		return fmt.Errorf("save: could not plot learning curve: %v", err)
	}
	line.Color = plotutil.Color(0)
	plt.Add(line)

	if err := plt.Save(8*vg.Inch, 8*vg.Inch, p.filename); err != nil {
		return fmt.Errorf("save: could not save learning curve: %v", err)
	}
	return nil
}

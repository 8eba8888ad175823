package ml

import "fmt"

// irisLike builds perClass rows for each default class with well separated petal sizes.
func irisLike(perClass int) *Dataset {
	ds := &Dataset{
		FeatureNames: append([]string(nil), DefaultSchema.Features...),
		LabelName:    DefaultSchema.Label,
	}
	for c, class := range DefaultClasses {
		for i := 0; i < perClass; i++ {
			jitter := float64(i%5) * 0.05
			ds.Records = append(ds.Records, Record{
				Features: []float64{
					5.0 + float64(c)*0.6 + jitter,
					3.4 - float64(c)*0.3 + jitter,
					1.4 + float64(c)*2.2 + jitter,
					0.2 + float64(c)*0.9 + jitter,
				},
				Label: class,
			})
		}
	}
	return ds
}

func irisCSV(perClass int) string {
	out := "sepal_length,sepal_width,petal_length,petal_width,species\n"
	for _, r := range irisLike(perClass).Records {
		out += fmt.Sprintf("%.2f,%.2f,%.2f,%.2f,%s\n", r.Features[0], r.Features[1], r.Features[2], r.Features[3], r.Label)
	}
	return out
}
